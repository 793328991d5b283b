// Package worker provides a NATS worker that narrates articles as they are
// announced by the upstream text pipeline.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/orchestrator"
)

// handleMessageTimeout bounds one generation attempt. Synthesis calls run
// tens of seconds each; one bounded batch fits comfortably, and whatever is
// still missing is picked up by a later event or poll.
const handleMessageTimeout = 5 * time.Minute

var (
	// ErrTextKeyEmpty indicates the event carried no text key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrWorkflowIDEmpty indicates the event carried no workflow id.
	ErrWorkflowIDEmpty = errors.New("workflow id cannot be empty")
)

// Generator runs one generation attempt for an article.
type Generator interface {
	Generate(ctx context.Context, articleID, text string) (*orchestrator.Result, error)
}

// NatsWorker listens for processed-text events and drives audio generation.
// The workflow id namespaces the article's artifacts, so repeated events for
// the same workflow each advance the same generation.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	chunkSubject   string
	store          core.ObjectStore
	generator      Generator
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	chunkSubject string,
	store core.ObjectStore,
	generator Generator,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		chunkSubject:   chunkSubject,
		store:          store,
		generator:      generator,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	result, processErr := w.processNarrationJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process narration job for workflow %s: %v", event.Header.WorkflowID, processErr)

		return
	}

	w.publishChunkEvents(event, result)

	if msg.Reply != "" {
		replyErr := w.publishReply(msg, event, result)
		if replyErr != nil {
			w.log.Error("Failed to publish reply for workflow %s: %v", event.Header.WorkflowID, replyErr)
		}
	}
}

// processNarrationJob downloads the staged text and runs one generation
// attempt for the article identified by the workflow.
func (w *NatsWorker) processNarrationJob(
	ctx context.Context,
	event *events.TextProcessedEvent,
) (*orchestrator.Result, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return nil, fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	articleID := event.Header.WorkflowID

	result, err := w.generator.Generate(ctx, articleID, string(textData))
	if err != nil {
		return nil, fmt.Errorf("failed to generate audio for article '%s': %w", articleID, err)
	}

	return result, nil
}

// publishChunkEvents announces each chunk completed by this attempt so
// downstream consumers get a push signal; the core protocol itself stays
// poll-based.
func (w *NatsWorker) publishChunkEvents(event *events.TextProcessedEvent, result *orchestrator.Result) {
	articleID := event.Header.WorkflowID

	for _, index := range result.NewlyCompleted {
		chunkEvent := &events.AudioChunkCreatedEvent{
			Header: events.EventHeader{
				Timestamp:  time.Now().UTC(),
				WorkflowID: event.Header.WorkflowID,
				EventID:    uuid.NewString(),
				UserID:     event.Header.UserID,
				TenantID:   event.Header.TenantID,
			},
			AudioKey:   core.ChunkArtifactKey(articleID, index),
			PageNumber: index,
			TotalPages: result.TotalChunks,
		}

		data, err := json.Marshal(chunkEvent)
		if err != nil {
			w.log.Error("Failed to marshal chunk event for workflow %s: %v", event.Header.WorkflowID, err)

			continue
		}

		publishErr := w.natsConnection.Publish(w.chunkSubject, data)
		if publishErr != nil {
			w.log.Error("Failed to publish chunk event for workflow %s: %v", event.Header.WorkflowID, publishErr)
		}
	}
}

// publishReply answers the request with the terminal artifact key when the
// article is complete, or the progress counters when it is not.
func (w *NatsWorker) publishReply(
	msg *nats.Msg,
	event *events.TextProcessedEvent,
	result *orchestrator.Result,
) error {
	articleID := event.Header.WorkflowID

	replyEvent := &events.AudioChunkCreatedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: event.Header.WorkflowID,
			EventID:    uuid.NewString(),
			UserID:     event.Header.UserID,
			TenantID:   event.Header.TenantID,
		},
		AudioKey:   "",
		PageNumber: len(result.AvailableIndices),
		TotalPages: result.TotalChunks,
	}

	if result.Complete {
		replyEvent.AudioKey = core.CompleteArtifactKey(articleID)
		replyEvent.PageNumber = result.TotalChunks
	}

	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	respondErr := msg.Respond(replyData)
	if respondErr != nil {
		return fmt.Errorf("failed to publish reply event: %w", respondErr)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	if event.Header.WorkflowID == "" {
		return nil, ErrWorkflowIDEmpty
	}

	return &event, nil
}
