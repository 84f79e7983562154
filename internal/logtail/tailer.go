// Package logtail reads webserver access logs line by line.
package logtail

import (
	"context"

	"github.com/hpcloud/tail"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/logging"
)

// Reader reads a log file from the beginning to its current end.
type Reader struct {
	path   string
	logger *logging.Logger
}

// New creates a new Reader for the given file path.
func New(path string, logger *logging.Logger) *Reader {
	return &Reader{
		path:   path,
		logger: logger,
	}
}

// Path returns the file being read.
func (r *Reader) Path() string {
	return r.path
}

// ReadAll calls fn for every line currently in the file and returns at EOF.
// It stops early with ctx.Err() when ctx is done.
func (r *Reader) ReadAll(ctx context.Context, fn func(line string)) error {
	cfg := tail.Config{
		Follow:    false, // Lines is closed at EOF
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	}

	tf, err := tail.TailFile(r.path, cfg)
	if err != nil {
		return err
	}
	defer tf.Cleanup()

	r.logger.Debugf("reading log file %s", r.path)

	for {
		select {
		case <-ctx.Done():
			_ = tf.Stop()
			return ctx.Err()
		case line, ok := <-tf.Lines:
			if !ok {
				return tf.Wait()
			}
			if line.Err != nil {
				r.logger.Errorf("read error: file=%s err=%v", r.path, line.Err)
				continue
			}
			fn(line.Text)
		}
	}
}
