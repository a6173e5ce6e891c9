// Package bus implements the transactional command bus: accepting a command
// persists the PENDING row and its outbox envelope in one commit, so the
// relay can publish it even across a crash. Accept is idempotent on the
// caller-supplied idempotency key.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/envelope"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/metrics"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/tracing"
)

// FastPath wakes a publisher for a freshly committed outbox row. Notify is
// best-effort; a dropped notification is picked up by the scheduled sweep.
type FastPath interface {
	Notify(outboxID int64)
}

// Bus accepts commands into the platform.
type Bus struct {
	store    store.Store
	fastPath FastPath
}

// New creates a command bus. fastPath may be nil.
func New(st store.Store, fastPath FastPath) *Bus {
	return &Bus{store: st, fastPath: fastPath}
}

// Accept durably accepts a command and returns its id. A repeated
// idempotency key returns the previously assigned id without emitting new
// work. The headers map may carry correlationId, causationId and any
// envelope headers to forward.
func (b *Bus) Accept(ctx context.Context, name, idempotencyKey, businessKey string, payload json.RawMessage, headers map[string]string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("command name cannot be empty")
	}
	if idempotencyKey == "" {
		return "", fmt.Errorf("idempotency key cannot be empty")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	commandID := uuid.New().String()
	correlationID := headers["correlationId"]
	if correlationID == "" {
		correlationID = commandID
	}
	causationID := headers["causationId"]

	envHeaders := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		if k == "correlationId" || k == "causationId" {
			continue
		}
		envHeaders[k] = v
	}
	envHeaders[envelope.HeaderIdempotencyKey] = idempotencyKey

	env := envelope.NewCommand(name, commandID, correlationID, causationID, businessKey, payload, envHeaders)
	tracing.Inject(ctx, env)
	envData, err := env.Encode()
	if err != nil {
		return "", err
	}

	var outboxID int64
	err = b.store.WithTx(ctx, func(tx store.Tx) error {
		if existing, err := tx.Commands().FindByIdempotency(ctx, idempotencyKey); err == nil {
			commandID = existing.ID
			outboxID = 0
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := tx.Commands().Insert(ctx, &store.Command{
			ID:             commandID,
			Name:           name,
			BusinessKey:    businessKey,
			IdempotencyKey: idempotencyKey,
			Payload:        payload,
		}); err != nil {
			return err
		}

		id, err := tx.Outbox().Insert(ctx, &store.OutboxEntry{
			Category: store.CategoryCommand,
			Topic:    envelope.CommandTopic(name),
			Key:      businessKey,
			Type:     name,
			Payload:  envData,
			Headers:  env.Headers,
		})
		if err != nil {
			return err
		}
		outboxID = id
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the insert race; the winner's id is authoritative.
		existing, ferr := b.store.Commands().FindByIdempotency(ctx, idempotencyKey)
		if ferr != nil {
			return "", fmt.Errorf("failed to resolve idempotency key after conflict: %w", ferr)
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", err
	}

	if outboxID > 0 {
		metrics.CommandsAccepted.WithLabelValues(name).Inc()
		log.Debug(log.CatBus, "command accepted", "command", name, "commandId", commandID, "outboxId", outboxID)
		if b.fastPath != nil {
			b.fastPath.Notify(outboxID)
		}
	}
	return commandID, nil
}
