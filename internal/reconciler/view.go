// Package reconciler keeps a client-side view of one conversation: confirmed
// pages, realtime events and optimistic local sends merged into a single
// ordered list without duplicates.
package reconciler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wuzapi-relay/internal/apperr"
	"wuzapi-relay/internal/models"
	"wuzapi-relay/internal/outbound"
	"wuzapi-relay/internal/realtime"
)

const (
	PageSize                = 50
	DefaultResubscribeDelay = 2 * time.Second
)

// ErrClosed is returned by operations on a closed view.
var ErrClosed = errors.New("reconciler: view closed")

// Fetcher returns up to limit messages older than beforeID, newest first. An
// empty beforeID asks for the newest page.
type Fetcher interface {
	FetchPage(ctx context.Context, conversationID, beforeID string, limit int) ([]models.Message, error)
}

type Subscriber interface {
	Listen(ctx context.Context, conversationID string) (realtime.Stream, error)
}

// TextSender is implemented by relayclient.Client.
type TextSender interface {
	SendText(ctx context.Context, req outbound.SendRequest) (outbound.SendOutcome, error)
}

type Options struct {
	PageSize         int
	ResubscribeDelay time.Duration
}

type pageResult struct {
	messages []models.Message
	err      error
	resync   bool
}

// View is the reconciled message list of one conversation. All state changes
// run on a single goroutine; readers get immutable snapshots.
type View struct {
	conversationID string
	fetcher        Fetcher
	subscriber     Subscriber
	pageSize       int
	resubDelay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	reqs   chan func()
	pages  chan pageResult
	done   chan struct{}

	updates   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once

	// owned by the loop
	messages      []models.Message
	conversation  *models.Conversation
	cursor        string
	loading       bool
	exhausted     bool
	pendingResync bool

	mu       sync.RWMutex
	snapshot []models.Message
	convSnap *models.Conversation
	more     bool
	err      error
}

// Open subscribes to the conversation and starts loading its newest page.
// The subscription is opened before the first fetch so nothing committed in
// between is missed.
func Open(ctx context.Context, conversationID string, f Fetcher, s Subscriber, opts Options) (*View, error) {
	const op = "reconciler.Open"
	if conversationID == "" {
		return nil, apperr.Validation(op, "conversation id is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = PageSize
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = DefaultResubscribeDelay
	}

	vctx, cancel := context.WithCancel(ctx)
	stream, err := s.Listen(vctx, conversationID)
	if err != nil {
		cancel()
		return nil, err
	}

	v := &View{
		conversationID: conversationID,
		fetcher:        f,
		subscriber:     s,
		pageSize:       opts.PageSize,
		resubDelay:     opts.ResubscribeDelay,
		ctx:            vctx,
		cancel:         cancel,
		reqs:           make(chan func()),
		pages:          make(chan pageResult),
		done:           make(chan struct{}),
		updates:        make(chan struct{}, 1),
		ready:          make(chan struct{}),
		more:           true,
	}
	v.fetch("", false)
	go v.run(stream)
	return v, nil
}

func (v *View) run(stream realtime.Stream) {
	defer close(v.done)
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	events := stream.Events()
	var resubscribe <-chan time.Time
	for {
		select {
		case <-v.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				log.Warn().Str("conversationID", v.conversationID).Msg("Realtime stream ended, resubscribing")
				stream, events = nil, nil
				resubscribe = time.After(v.resubDelay)
				continue
			}
			if v.apply(ev) {
				v.publish()
			}

		case <-resubscribe:
			resubscribe = nil
			s, err := v.subscriber.Listen(v.ctx, v.conversationID)
			if err != nil {
				if v.ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("conversationID", v.conversationID).Msg("Resubscribe failed")
				resubscribe = time.After(v.resubDelay)
				continue
			}
			stream, events = s, s.Events()
			// Events published while disconnected are gone; re-read the head.
			v.resync()

		case res := <-v.pages:
			v.merge(res)
			v.publish()

		case fn := <-v.reqs:
			fn()
		}
	}
}

// do runs fn on the loop. It reports false once the view is closed.
func (v *View) do(fn func()) bool {
	ran := make(chan struct{})
	select {
	case v.reqs <- func() { fn(); close(ran) }:
	case <-v.done:
		return false
	}
	<-ran
	return true
}

func (v *View) fetch(before string, resync bool) {
	v.loading = true
	go func() {
		page, err := v.fetcher.FetchPage(v.ctx, v.conversationID, before, v.pageSize)
		select {
		case v.pages <- pageResult{messages: page, err: err, resync: resync}:
		case <-v.ctx.Done():
		}
	}()
}

func (v *View) resync() {
	if v.loading {
		v.pendingResync = true
		return
	}
	v.fetch("", true)
}

func (v *View) merge(res pageResult) {
	v.loading = false
	defer v.readyOnce.Do(func() { close(v.ready) })

	if res.err != nil {
		log.Warn().Err(res.err).Str("conversationID", v.conversationID).Msg("Page fetch failed")
		v.mu.Lock()
		v.err = res.err
		v.mu.Unlock()
	} else {
		v.mu.Lock()
		v.err = nil
		v.mu.Unlock()
		for _, m := range res.messages {
			if m.ConversationID != "" && m.ConversationID != v.conversationID {
				continue
			}
			v.upsert(m)
		}
		// A resync re-reads the head; it says nothing about older history.
		if !res.resync || v.cursor == "" {
			if len(res.messages) > 0 {
				v.cursor = res.messages[len(res.messages)-1].ID
			}
			if len(res.messages) < v.pageSize {
				v.exhausted = true
			}
		}
	}

	if v.pendingResync {
		v.pendingResync = false
		v.fetch("", true)
	}
}

// apply folds one realtime event into the list.
func (v *View) apply(ev realtime.Event) bool {
	switch rec := ev.Record.(type) {
	case models.Message:
		if rec.ConversationID != v.conversationID {
			return false
		}
		switch ev.Type {
		case realtime.EventInsert:
			return v.insert(rec)
		case realtime.EventUpdate:
			return v.update(rec)
		}
	case models.Conversation:
		if rec.ID != v.conversationID {
			return false
		}
		v.conversation = &rec
		return true
	}
	return false
}

// insert adds m unless its id is already present. A confirmed copy of an
// optimistic entry replaces it.
func (v *View) insert(m models.Message) bool {
	if v.indexByID(m.ID) >= 0 {
		return false
	}
	if i := v.indexByClientID(m.ClientMessageID); i >= 0 {
		v.move(i, m)
		return true
	}
	v.insertSorted(m)
	return true
}

// update replaces the entry for m in place. Messages from pages not loaded
// yet are ignored.
func (v *View) update(m models.Message) bool {
	i := v.indexByID(m.ID)
	if i < 0 {
		i = v.indexByClientID(m.ClientMessageID)
	}
	if i < 0 {
		return false
	}
	return v.replace(i, m)
}

// upsert is used for fetched pages and send responses.
func (v *View) upsert(m models.Message) bool {
	if i := v.indexByID(m.ID); i >= 0 {
		return v.replace(i, m)
	}
	return v.insert(m)
}

func (v *View) replace(i int, m models.Message) bool {
	cur := v.messages[i]
	if cur.ID != "" && cur.Status != m.Status && !cur.Status.CanAdvanceTo(m.Status) {
		return false
	}
	v.move(i, m)
	return true
}

// move swaps entry i for m and re-sorts it. A confirmed copy carries the
// relay's timestamp, not the local clock of the optimistic entry.
func (v *View) move(i int, m models.Message) {
	v.messages = append(v.messages[:i], v.messages[i+1:]...)
	v.insertSorted(m)
}

func (v *View) insertSorted(m models.Message) {
	i := sort.Search(len(v.messages), func(i int) bool {
		return v.messages[i].CreatedAt.Before(m.CreatedAt)
	})
	v.messages = append(v.messages, models.Message{})
	copy(v.messages[i+1:], v.messages[i:])
	v.messages[i] = m
}

func (v *View) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *View) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range v.messages {
		if v.messages[i].ClientMessageID == clientID {
			return i
		}
	}
	return -1
}

func (v *View) publish() {
	snap := make([]models.Message, len(v.messages))
	copy(snap, v.messages)
	var conv *models.Conversation
	if v.conversation != nil {
		c := *v.conversation
		conv = &c
	}

	v.mu.Lock()
	v.snapshot = snap
	v.convSnap = conv
	v.more = !v.exhausted
	v.mu.Unlock()

	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// LoadMore fetches the next older page. It does nothing while a fetch is in
// flight or once the end of history was seen, and reports whether a fetch
// was started.
func (v *View) LoadMore() bool {
	var started bool
	v.do(func() {
		if v.loading || v.exhausted {
			return
		}
		v.fetch(v.cursor, false)
		started = true
	})
	return started
}

// AddOptimistic shows a local text send before the relay confirms it. An
// empty clientMessageID gets a generated one. Adding the same id twice
// returns the existing entry.
func (v *View) AddOptimistic(content, clientMessageID string) (models.Message, error) {
	const op = "reconciler.AddOptimistic"
	if content == "" {
		return models.Message{}, apperr.Validation(op, "content is required")
	}
	if clientMessageID == "" {
		clientMessageID = uuid.NewString()
	}

	msg := models.Message{
		ConversationID:  v.conversationID,
		Body:            content,
		Type:            models.TypeText,
		Status:          models.StatusSending,
		IsOutgoing:      true,
		ClientMessageID: clientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	ok := v.do(func() {
		if i := v.indexByClientID(clientMessageID); i >= 0 {
			msg = v.messages[i]
			return
		}
		v.insertSorted(msg)
		v.publish()
	})
	if !ok {
		return models.Message{}, ErrClosed
	}
	return msg, nil
}

// Confirm merges a message returned by the relay, typically a send response.
func (v *View) Confirm(m models.Message) {
	if m.ConversationID != "" && m.ConversationID != v.conversationID {
		return
	}
	v.do(func() {
		if v.upsert(m) {
			v.publish()
		}
	})
}

// MarkFailed fails an optimistic entry whose send never reached the relay.
func (v *View) MarkFailed(clientMessageID, reason string) {
	v.do(func() {
		i := v.indexByClientID(clientMessageID)
		if i < 0 || !v.messages[i].Status.CanAdvanceTo(models.StatusFailed) {
			return
		}
		v.messages[i].Status = models.StatusFailed
		v.messages[i].ErrorMessage = reason
		v.publish()
	})
}

// Send adds an optimistic entry and sends it through s, merging whatever the
// relay answers.
func (v *View) Send(ctx context.Context, s TextSender, content string) (models.Message, error) {
	local, err := v.AddOptimistic(content, "")
	if err != nil {
		return models.Message{}, err
	}

	out, err := s.SendText(ctx, outbound.SendRequest{
		ConversationID:  v.conversationID,
		Content:         content,
		Type:            models.TypeText,
		ClientMessageID: local.ClientMessageID,
	})
	if out.Message != nil {
		v.Confirm(*out.Message)
		return *out.Message, err
	}
	if err != nil {
		v.MarkFailed(local.ClientMessageID, err.Error())
		return local, err
	}
	return local, nil
}

// Messages returns the current list, newest first.
func (v *View) Messages() []models.Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshot
}

// Conversation returns the last conversation update seen on the channel.
func (v *View) Conversation() (models.Conversation, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.convSnap == nil {
		return models.Conversation{}, false
	}
	return *v.convSnap, true
}

// HasMore reports whether older history may exist.
func (v *View) HasMore() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.more
}

// Err returns the error of the last page fetch, if it failed.
func (v *View) Err() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.err
}

func (v *View) ConversationID() string { return v.conversationID }

// Updates signals after each change. Signals coalesce; read Messages after
// receiving one.
func (v *View) Updates() <-chan struct{} { return v.updates }

// Ready is closed once the first page has been merged or failed.
func (v *View) Ready() <-chan struct{} { return v.ready }

// Done is closed when the view stops.
func (v *View) Done() <-chan struct{} { return v.done }

// Close stops the subscription and abandons any in-flight fetch. The last
// snapshot stays readable.
func (v *View) Close() {
	v.cancel()
	<-v.done
}
