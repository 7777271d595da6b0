package notify

import (
	"sync"
	"time"
	"unicode/utf8"

	"TratoChat/logger"
	"TratoChat/module/treaty/model"
	"TratoChat/service/bus"
	"TratoChat/tools/safe"
)

// Sound variants for read confirmations.
const (
	SoundMessageRead  = "message_read"
	SoundBulkRead     = "bulk_read"
	SoundBulkReadMany = "bulk_read_many"

	bulkManyThreshold = 10
)

// PlayReadSound is the payload on sound_notifications:<user>.
type PlayReadSound struct {
	SoundType string `json:"sound_type"`
	Count     int    `json:"count,omitempty"`
}

// Presence answers "is this user watching this conversation right now".
// The engine wires a composite of the presence tracker and the status
// heartbeats behind this.
type Presence interface {
	IsPresent(conversationID, userID string) bool
}

type Config struct {
	DesktopDebounce time.Duration // 5s
	ReadSoundWindow time.Duration // 5s
	EmailFlushEvery time.Duration // 5m
	Clock           func() time.Time
}

func (c *Config) norm() {
	if c.DesktopDebounce <= 0 {
		c.DesktopDebounce = 5 * time.Second
	}
	if c.ReadSoundWindow <= 0 {
		c.ReadSoundWindow = 5 * time.Second
	}
	if c.EmailFlushEvery <= 0 {
		c.EmailFlushEvery = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type readSuppress struct {
	windowEnd  time.Time
	suppressed int
}

// Dispatcher fans events out to the live bus, debounced desktop pushes,
// read sounds and the batched e-mail digest. The paths are independent:
// a failure in one never blocks the others.
type Dispatcher struct {
	conf     Config
	bus      bus.Bus
	presence Presence
	settings *settingsTable
	desktop  *debouncer
	emails   *emailQueue

	mu    sync.Mutex
	reads map[string]*readSuppress // userID -> suppression window

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(conf Config, b bus.Bus, presence Presence, mailer Mailer) *Dispatcher {
	conf.norm()
	d := &Dispatcher{
		conf:     conf,
		bus:      b,
		presence: presence,
		settings: newSettingsTable(),
		emails:   newEmailQueue(mailer),
		reads:    make(map[string]*readSuppress),
		stopCh:   make(chan struct{}),
	}
	d.desktop = newDebouncer(conf.DesktopDebounce, d.deliverDesktop)
	safe.Go("notify.emailFlusher", d.emailFlusher)
	return d
}

func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// NotifyNewMessage routes one message for one recipient. The live
// new_message broadcast already happened on the conversation topic (the
// room owns it); this decides desktop and e-mail.
func (d *Dispatcher) NotifyNewMessage(msg *model.Message, recipientID string) {
	s := d.settings.get(recipientID)
	present := d.presence != nil && d.presence.IsPresent(msg.ConversationID, recipientID)

	if s.DesktopEnabled {
		d.desktop.offer(recipientID, msg.ConversationID, DesktopNotification{
			Title: msg.SenderName,
			Body:  preview(msg.Text),
			Icon:  "chat",
			Tag:   msg.ConversationID,
			Data: map[string]any{
				"conversation_id": msg.ConversationID,
				"message_id":      msg.ID,
			},
		})
	}

	if !present && s.EmailEnabled {
		d.emails.enqueue(recipientID, DigestItem{
			ConversationID: msg.ConversationID,
			SenderName:     msg.SenderName,
			Preview:        preview(msg.Text),
			SentAt:         msg.CreatedAt,
		})
	}
}

// NotifyMention is a stronger variant of NotifyNewMessage for explicit
// @mentions; it rides the same per-(user, conversation) debounce.
func (d *Dispatcher) NotifyMention(msg *model.Message, recipientIDs []string) {
	for _, rid := range recipientIDs {
		s := d.settings.get(rid)
		if s.DesktopEnabled {
			d.desktop.offer(rid, msg.ConversationID, DesktopNotification{
				Title: msg.SenderName + " mencionou você",
				Body:  preview(msg.Text),
				Icon:  "mention",
				Tag:   msg.ConversationID,
				Data: map[string]any{
					"conversation_id": msg.ConversationID,
					"message_id":      msg.ID,
					"mention":         true,
				},
			})
		}
		if s.EmailEnabled && !(d.presence != nil && d.presence.IsPresent(msg.ConversationID, rid)) {
			d.emails.enqueue(rid, DigestItem{
				ConversationID: msg.ConversationID,
				SenderName:     msg.SenderName,
				Preview:        preview(msg.Text),
				SentAt:         msg.CreatedAt,
			})
		}
	}
}

// NotifyMessageRead plays the read-confirmation sound for the message
// author. First event in a quiet period fires immediately and opens a
// suppression window; the rest are counted but silent.
func (d *Dispatcher) NotifyMessageRead(recipientID, messageID, readerID string) {
	if recipientID == readerID {
		return
	}
	s := d.settings.get(recipientID)
	if !s.SoundEnabled || !s.ReadConfirmationsEnabled {
		return
	}

	now := d.conf.Clock()
	d.mu.Lock()
	sup := d.reads[recipientID]
	if sup != nil && now.Before(sup.windowEnd) {
		sup.suppressed++
		d.mu.Unlock()
		return
	}
	d.reads[recipientID] = &readSuppress{windowEnd: now.Add(d.conf.ReadSoundWindow)}
	d.mu.Unlock()

	d.publishSound(recipientID, PlayReadSound{SoundType: SoundMessageRead})
}

// NotifyBulkRead is never debounced: every bulk action gets its own sound.
// The variant depends on how many messages the reader cleared.
func (d *Dispatcher) NotifyBulkRead(recipientID, conversationID string, count int, readerID string) {
	if recipientID == readerID {
		return
	}
	s := d.settings.get(recipientID)
	if !s.SoundEnabled || !s.ReadConfirmationsEnabled {
		return
	}
	sound := SoundBulkRead
	if count > bulkManyThreshold {
		sound = SoundBulkReadMany
	}
	d.publishSound(recipientID, PlayReadSound{SoundType: sound, Count: count})
}

// UpdateSettings validates and merges a partial settings patch; nothing
// is applied on validation failure.
func (d *Dispatcher) UpdateSettings(userID string, raw map[string]any) (Settings, error) {
	return d.settings.update(userID, raw)
}

func (d *Dispatcher) GetSettings(userID string) Settings {
	return d.settings.get(userID)
}

// PendingEmails reports queued digest items for one recipient (ops/tests).
func (d *Dispatcher) PendingEmails(userID string) int {
	return d.emails.pendingFor(userID)
}

// FlushEmailsNow forces a digest flush outside the ticker (shutdown path).
func (d *Dispatcher) FlushEmailsNow() {
	d.emails.flush()
}

func (d *Dispatcher) deliverDesktop(userID string, n DesktopNotification) {
	if err := d.bus.Publish(bus.UserTopic(userID), bus.EvDesktopNotification, n); err != nil {
		logger.Warnf("[notify] desktop publish failed user=%s: %v", userID, err)
	}
}

func (d *Dispatcher) publishSound(userID string, p PlayReadSound) {
	if err := d.bus.Publish(bus.SoundTopic(userID), bus.EvPlayReadSound, p); err != nil {
		logger.Warnf("[notify] sound publish failed user=%s: %v", userID, err)
	}
}

func (d *Dispatcher) emailFlusher() {
	t := time.NewTicker(d.conf.EmailFlushEvery)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			d.emails.flush()
			return
		case <-t.C:
			d.emails.flush()
		}
	}
}

const previewMax = 140

func preview(text string) string {
	if len(text) <= previewMax {
		return text
	}
	// never cut inside a multi-byte rune
	cut := previewMax
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
