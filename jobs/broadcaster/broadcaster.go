package broadcaster

import (
	"context"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"

	"regiongc/infra/journal"
)

// Sender hands one record to a broker. infra/kafka.Producer and
// SaramaSender both satisfy it.
type Sender interface {
	Send(ctx context.Context, key, value []byte) error
	Close() error
}

// Observer receives publish outcomes; infra/metrics.Metrics satisfies it.
type Observer interface {
	ObservePublish(ok bool)
	SetBacklog(n int)
}

type Config struct {
	// Key is attached to every message so one heap's cycles share a
	// partition.
	Key        string
	Interval   time.Duration
	MaxRetries uint32
	// PruneAcked deletes acknowledged records after every pass.
	PruneAcked bool
}

func (c *Config) fillDefaults() {
	if c.Interval == 0 {
		c.Interval = 250 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
}

type Broadcaster struct {
	journal *journal.Journal
	sender  Sender
	obs     Observer
	cfg     Config
	done    chan struct{}
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(j *journal.Journal, sender Sender, obs Observer, cfg Config) *Broadcaster {
	cfg.fillDefaults()
	return &Broadcaster{
		journal: j,
		sender:  sender,
		obs:     obs,
		cfg:     cfg,
	}
}

// SaramaSender publishes through a sarama SyncProducer.
type SaramaSender struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSaramaSender(brokers []string, topic string) (*SaramaSender, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "broadcaster: sarama producer")
	}
	return &SaramaSender{producer: producer, topic: topic}, nil
}

func (s *SaramaSender) Send(_ context.Context, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(value),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}
	_, _, err := s.producer.SendMessage(msg)
	return err
}

func (s *SaramaSender) Close() error { return s.producer.Close() }

// ------------------------------------------------
// START LOOP
// ------------------------------------------------

// Start publishes pending records every Interval until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) {
	log.Println("[broadcaster] started")
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-ticker.C:
				b.ReplayOnce(ctx)
			}
		}
	}()
}

// ------------------------------------------------
// REPLAY LOGIC
// ------------------------------------------------

// ReplayOnce publishes every pending record in cycle order and returns how
// many were acknowledged and how many failed. SENT records left behind by
// a crash between send and ack are sent again.
func (b *Broadcaster) ReplayOnce(ctx context.Context) (sent, failed int) {
	key := []byte(b.cfg.Key)
	publish := func(rec journal.Record) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Mark SENT (idempotent)
		if err := b.journal.MarkSent(rec.Seq); err != nil {
			return err
		}

		if err := b.sender.Send(ctx, key, rec.Payload); err != nil {
			failed++
			b.observe(false)
			log.Printf("[broadcaster] cycle %d: %v", rec.Seq, err)
			return b.journal.MarkFailed(rec.Seq, b.cfg.MaxRetries)
		}

		sent++
		b.observe(true)
		return b.journal.MarkAcked(rec.Seq)
	}

	if err := b.journal.ScanPending(publish); err != nil {
		if ctx.Err() == nil {
			log.Printf("[broadcaster] scan: %v", err)
		}
		return sent, failed
	}

	if b.cfg.PruneAcked {
		if _, err := b.journal.PruneAcked(); err != nil {
			log.Printf("[broadcaster] prune: %v", err)
		}
	}
	if b.obs != nil {
		if counts, err := b.journal.Counts(); err == nil {
			b.obs.SetBacklog(counts[journal.StateNew] + counts[journal.StateSent])
		}
	}
	return sent, failed
}

func (b *Broadcaster) observe(ok bool) {
	if b.obs != nil {
		b.obs.ObservePublish(ok)
	}
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

// Close closes the sender. If Start was called, the loop's context must
// be done; Close waits for the loop to exit first.
func (b *Broadcaster) Close() error {
	if b.done != nil {
		<-b.done
	}
	return b.sender.Close()
}
