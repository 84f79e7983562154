package model

// RequestRecord is a single logged request attributed to a client.
type RequestRecord struct {
	ClientID string
	Path     string
}

// PathCount is the number of requests a client made to one path.
type PathCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// ClientAggregate summarizes the top paths requested by a single client.
// Total is the sum of the retained TopPaths counts only.
type ClientAggregate struct {
	ClientID string      `json:"IP"`
	Total    int         `json:"Total"`
	TopPaths []PathCount `json:"TopPaths"`
}

// BlockedSet holds client identifiers seen in firewall block events.
type BlockedSet map[string]struct{}

// NewBlockedSet builds a BlockedSet from a list of identifiers.
func NewBlockedSet(ids ...string) BlockedSet {
	s := make(BlockedSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set. A nil set contains nothing.
func (s BlockedSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Partition splits flagged clients by whether the firewall already blocked them.
type Partition struct {
	UnBlocked []ClientAggregate `json:"UnBlocked"`
	Blocked   []ClientAggregate `json:"Blocked"`
}

// ClientIDs returns blocked then unblocked client identifiers.
func (p Partition) ClientIDs() []string {
	ids := make([]string, 0, len(p.Blocked)+len(p.UnBlocked))
	for _, c := range p.Blocked {
		ids = append(ids, c.ClientID)
	}
	for _, c := range p.UnBlocked {
		ids = append(ids, c.ClientID)
	}
	return ids
}

// Snapshot is everything a source returned for one observation window.
type Snapshot struct {
	Records []RequestRecord
	Blocked BlockedSet
}
