package notify

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// LogPresenter writes notifications to the log. It keeps the posted records
// so updates in place can be inspected.
type LogPresenter struct {
	opts    Options
	logger  *logrus.Logger
	records *hashmap.Map[int32, Record]
	ready   atomic.Bool
}

var _ Presenter = (*LogPresenter)(nil)

func NewLogPresenter(opts Options, logger *logrus.Logger) *LogPresenter {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogPresenter{
		opts:    opts,
		logger:  logger,
		records: hashmap.New[int32, Record](),
	}
}

func (p *LogPresenter) EnsureChannel() error {
	if p.ready.CompareAndSwap(false, true) {
		p.logger.WithFields(logrus.Fields{
			"channel":    p.opts.Channel.ID,
			"name":       p.opts.Channel.Name,
			"importance": p.opts.Channel.Importance,
		}).Info("Notification channel created")
	}
	return nil
}

func (p *LogPresenter) Present(address, state, status string) {
	if _, err := p.Notify(address, state, status); err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to post notification")
	}
}

func (p *LogPresenter) Notify(address, state, status string) (Record, error) {
	_ = p.EnsureChannel()

	rec, err := NewRecord(p.opts.Title, address, state, status)
	if err != nil {
		return Record{}, err
	}
	_, updated := p.records.Get(rec.Key)
	p.records.Set(rec.Key, rec)

	p.logger.WithFields(logrus.Fields{
		"key":     rec.Key,
		"title":   rec.Title,
		"body":    rec.Body,
		"updated": updated,
	}).Info("Notification")
	return rec, nil
}

// Record returns the record posted under key.
func (p *LogPresenter) Record(key int32) (Record, bool) {
	return p.records.Get(key)
}

// Len returns the number of distinct notifications posted.
func (p *LogPresenter) Len() int {
	return p.records.Len()
}

func (p *LogPresenter) Close() error { return nil }
