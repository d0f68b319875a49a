// Package worker exposes the render pipeline over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-render-service/internal/core"
	"github.com/book-expert/voice-render-service/internal/history"
	"github.com/book-expert/voice-render-service/internal/tts/thermal"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Reply headers.
const (
	HeaderJobID         = "X-Job-ID"
	HeaderProfileUsed   = "X-Profile-Used"
	HeaderAudioDuration = "X-Audio-Duration"
	HeaderErrorKind     = "X-Error-Kind"
)

const defaultHistoryPageSize = 10

var (
	// ErrNoConnection indicates the worker was created without a NATS connection.
	ErrNoConnection = errors.New("nats connection is required")
	// ErrNoRenderSubject indicates the render subject is empty.
	ErrNoRenderSubject = errors.New("render subject is required")
	// ErrHandlerPanic is reported when a request handler panicked.
	ErrHandlerPanic = errors.New("request handler failed")
)

// Subjects names the request subjects. Empty optional subjects are not
// subscribed.
type Subjects struct {
	Render  string
	Stop    string
	Status  string
	GPU     string
	History string
}

// GPUReporter returns a recent GPU sample.
type GPUReporter interface {
	Latest(ctx context.Context) thermal.Sample
}

// HistoryReader serves completed renders.
type HistoryReader interface {
	Page(pageNum, pageSize int) (history.Page, error)
	Lookup(id string) (history.Record, error)
}

// ErrorReply is the body of a failed request.
type ErrorReply struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StopReply is the body of a stop reply.
type StopReply struct {
	Stopped bool `json:"stopped"`
}

// HistoryQuery asks for a page of renders, or one render when ID is set.
type HistoryQuery struct {
	Page    int    `json:"page,omitempty"`
	PerPage int    `json:"per_page,omitempty"`
	ID      string `json:"id,omitempty"`
}

// NatsWorker serves render jobs and status queries on NATS subjects.
type NatsWorker struct {
	natsConnection *nats.Conn
	subjects       Subjects
	store          core.ObjectStore
	renderer       core.Renderer
	gpu            GPUReporter
	history        HistoryReader
	log            *logger.Logger

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// NewNatsWorker creates a worker. gpu and history may be nil, which disables
// their subjects.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subjects Subjects,
	store core.ObjectStore,
	renderer core.Renderer,
	gpu GPUReporter,
	historyReader HistoryReader,
	log *logger.Logger,
) (*NatsWorker, error) {
	if natsConnection == nil {
		return nil, ErrNoConnection
	}

	if subjects.Render == "" {
		return nil, ErrNoRenderSubject
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		subjects:       subjects,
		store:          store,
		renderer:       renderer,
		gpu:            gpu,
		history:        historyReader,
		log:            log,
	}, nil
}

// Run subscribes to every configured subject and serves requests until ctx
// is cancelled. Renders still in flight are cancelled and awaited.
func (w *NatsWorker) Run(ctx context.Context) error {
	routes := []struct {
		subject string
		handler nats.MsgHandler
		enabled bool
	}{
		{w.subjects.Render, w.renderHandler(ctx), true},
		{w.subjects.Stop, w.handleStop, true},
		{w.subjects.Status, w.handleStatus, true},
		{w.subjects.GPU, w.gpuHandler(ctx), w.gpu != nil},
		{w.subjects.History, w.handleHistory, w.history != nil},
	}

	subscriptions := make([]*nats.Subscription, 0, len(routes))

	for _, route := range routes {
		if route.subject == "" || !route.enabled {
			continue
		}

		sub, err := w.natsConnection.Subscribe(route.subject, w.recoverHandler(route.handler))
		if err != nil {
			_ = drainAll(subscriptions)

			return fmt.Errorf("failed to subscribe to subject %s: %w", route.subject, err)
		}

		subscriptions = append(subscriptions, sub)
		w.log.Info("[worker] listening on %s", route.subject)
	}

	<-ctx.Done()

	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()

	drainErr := drainAll(subscriptions)
	w.inflight.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// recoverHandler turns a panic in handler into an internal error reply so a
// single bad request cannot take the service down.
func (w *NatsWorker) recoverHandler(handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			w.log.Error("[worker] handler for %s panicked: %v", msg.Subject, recovered)
			w.respondError(msg, fmt.Errorf("%w: %v", ErrHandlerPanic, recovered))
		}()

		handler(msg)
	}
}

func drainAll(subscriptions []*nats.Subscription) error {
	var errs []error

	for _, sub := range subscriptions {
		errs = append(errs, sub.Drain())
	}

	return errors.Join(errs...)
}

// renderHandler runs each render in its own goroutine so an overlapping
// request is answered with a conflict instead of waiting.
func (w *NatsWorker) renderHandler(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		w.mu.Lock()
		if w.closing {
			w.mu.Unlock()
			w.respondError(msg, fmt.Errorf("%w: worker is shutting down", core.ErrCancelled))

			return
		}

		w.inflight.Add(1)
		w.mu.Unlock()

		go func() {
			defer w.inflight.Done()

			w.recoverHandler(func(msg *nats.Msg) { w.handleRender(ctx, msg) })(msg)
		}()
	}
}

func (w *NatsWorker) handleRender(ctx context.Context, msg *nats.Msg) {
	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("[worker] failed to parse render request: %v", err)
		w.respondError(msg, err)

		return
	}

	result, audioKey, err := w.processRenderJob(ctx, event)
	if err != nil {
		w.log.Error("[worker] render for workflow %s page %d failed: %v",
			event.Header.WorkflowID, event.PageNumber, err)
		w.respondError(msg, err)

		return
	}

	reply := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	header := nats.Header{}
	header.Set(HeaderJobID, result.JobID)
	header.Set(HeaderProfileUsed, result.ProfileID)
	header.Set(HeaderAudioDuration, strconv.FormatFloat(result.DurationSeconds, 'f', 2, 64))

	err = w.respondJSON(msg, reply, header)
	if err != nil {
		w.log.Error("[worker] failed to publish reply for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processRenderJob downloads the text, renders it and uploads the artifact.
func (w *NatsWorker) processRenderJob(
	ctx context.Context,
	event *events.TextProcessedEvent,
) (*core.RenderResult, string, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	result, err := w.renderer.Render(ctx, core.RenderRequest{
		JobID:     event.Header.EventID,
		Text:      string(textData),
		ProfileID: event.Voice,
	})
	if err != nil {
		return nil, "", err
	}

	audioKey := uuid.NewString() + ".wav"

	err = w.store.UploadFile(ctx, audioKey, result.AudioPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info("[worker] workflow %s page %d/%d rendered to %s (%.2fs)",
		event.Header.WorkflowID, event.PageNumber, event.TotalPages, audioKey, result.DurationSeconds)

	return result, audioKey, nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal event: %w", core.ErrValidation, err)
	}

	if event.TextKey == "" {
		return nil, fmt.Errorf("%w: event has no text key", core.ErrValidation)
	}

	return &event, nil
}

func (w *NatsWorker) handleStop(msg *nats.Msg) {
	stopped := w.renderer.Stop()
	w.log.Info("[worker] stop requested, job flagged: %t", stopped)

	w.reply(msg, StopReply{Stopped: stopped})
}

func (w *NatsWorker) handleStatus(msg *nats.Msg) {
	w.reply(msg, w.renderer.Status())
}

func (w *NatsWorker) gpuHandler(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		w.reply(msg, w.gpu.Latest(ctx))
	}
}

func (w *NatsWorker) handleHistory(msg *nats.Msg) {
	var query HistoryQuery

	if len(msg.Data) > 0 {
		err := json.Unmarshal(msg.Data, &query)
		if err != nil {
			w.respondError(msg, fmt.Errorf("%w: invalid history query: %w", core.ErrValidation, err))

			return
		}
	}

	if query.ID != "" {
		record, err := w.history.Lookup(query.ID)
		if err != nil {
			w.respondError(msg, err)

			return
		}

		w.reply(msg, record)

		return
	}

	if query.Page == 0 {
		query.Page = 1
	}

	if query.PerPage == 0 {
		query.PerPage = defaultHistoryPageSize
	}

	page, err := w.history.Page(query.Page, query.PerPage)
	if err != nil {
		w.respondError(msg, err)

		return
	}

	w.reply(msg, page)
}

func (w *NatsWorker) reply(msg *nats.Msg, payload any) {
	err := w.respondJSON(msg, payload, nil)
	if err != nil {
		w.log.Error("[worker] failed to reply on %s: %v", msg.Subject, err)
	}
}

func (w *NatsWorker) respondError(msg *nats.Msg, cause error) {
	kind := core.Kind(cause)

	header := nats.Header{}
	header.Set(HeaderErrorKind, kind)

	err := w.respondJSON(msg, ErrorReply{Error: cause.Error(), Kind: kind}, header)
	if err != nil {
		w.log.Error("[worker] failed to send error reply on %s: %v", msg.Subject, err)
	}
}

func (w *NatsWorker) respondJSON(msg *nats.Msg, payload any, header nats.Header) error {
	if msg.Reply == "" {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.RespondMsg(&nats.Msg{Data: data, Header: header})
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}
