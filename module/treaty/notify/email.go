package notify

import (
	"encoding/json"
	"sync"
	"time"

	"TratoChat/logger"
	"TratoChat/service/kafka"
	"TratoChat/tools/errs"
)

// DigestItem is one queued message inside a recipient's e-mail digest.
type DigestItem struct {
	ConversationID string    `json:"conversation_id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

// Mailer hands a flushed digest to the delivery pipeline.
type Mailer interface {
	SendDigest(userID string, items []DigestItem) error
}

// KafkaMailer publishes digests to the mail topic; the e-mail renderer
// consumes them out of band.
type KafkaMailer struct {
	Topic string
}

type digestEnvelope struct {
	UserID string       `json:"user_id"`
	Items  []DigestItem `json:"items"`
}

func (m *KafkaMailer) SendDigest(userID string, items []DigestItem) error {
	raw, err := json.Marshal(digestEnvelope{UserID: userID, Items: items})
	if err != nil {
		return errs.WrapMsg(err, "marshal digest", "user", userID)
	}
	kafka.SendAsync(m.Topic, userID, raw)
	return nil
}

// emailQueue batches per-recipient items between flushes. Entries are
// appended (not replaced): the digest groups every queued message into
// one e-mail.
type emailQueue struct {
	mu     sync.Mutex
	items  map[string][]DigestItem
	mailer Mailer
}

func newEmailQueue(mailer Mailer) *emailQueue {
	return &emailQueue{items: make(map[string][]DigestItem), mailer: mailer}
}

func (q *emailQueue) enqueue(userID string, item DigestItem) {
	q.mu.Lock()
	q.items[userID] = append(q.items[userID], item)
	q.mu.Unlock()
}

func (q *emailQueue) flush() {
	q.mu.Lock()
	batch := q.items
	q.items = make(map[string][]DigestItem)
	q.mu.Unlock()

	if q.mailer == nil {
		if len(batch) > 0 {
			logger.Warnf("[notify] no mailer configured, dropping %d digests", len(batch))
		}
		return
	}
	for userID, items := range batch {
		if err := q.mailer.SendDigest(userID, items); err != nil {
			// one recipient failing must not block the rest
			logger.Errorf("[notify] digest send failed user=%s: %v", userID, err)
		}
	}
}

func (q *emailQueue) pendingFor(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[userID])
}
