package scheduler

import "errors"

// Publisher delivers snapshots to the display layer. It is called from the
// scheduler goroutine and must not block for long.
type Publisher interface {
	Publish(s Snapshot) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(s Snapshot) error

// Publish calls f(s).
func (f PublisherFunc) Publish(s Snapshot) error {
	return f(s)
}

// Publishers fans a snapshot out to all of its members. Every member is
// called even if an earlier one failed.
type Publishers []Publisher

// Publish implements Publisher.
func (p Publishers) Publish(s Snapshot) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Snapshot) error {
	return nil
}
