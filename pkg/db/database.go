package db

import (
	"context"
	"fmt"

	"realtime-bindings/internal/pkg/logger"
	"realtime-bindings/pkg/reactor"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const module = "Database"

// Database binds many independent observers to one shared reactor. It owns no state
// beyond what each handle keeps for itself.
type Database struct {
	core   reactor.Reactor
	logger logger.ILogger
	tracer trace.Tracer
}

// New builds a facade over core. A nil log discards output.
func New(core reactor.Reactor, log logger.ILogger) *Database {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Database{
		core:   core,
		logger: log,
		tracer: otel.Tracer("realtime-bindings/db"),
	}
}

// Core exposes the underlying reactor.
func (d *Database) Core() reactor.Reactor {
	return d.core
}

// Transact forwards mutation chunks to the reactor and waits for its acknowledgement.
func (d *Database) Transact(ctx context.Context, chunks ...reactor.TxChunk) (reactor.TxResult, error) {
	ctx, span := d.tracer.Start(ctx, "db.Transact", trace.WithAttributes(attribute.Int("tx.chunks", len(chunks))))
	defer span.End()

	res, err := d.core.Transact(ctx, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error(module, "Transaction failed", map[string]interface{}{"error": err, "chunks": len(chunks)})
		return reactor.TxResult{}, fmt.Errorf("transact: %w", err)
	}
	span.SetAttributes(attribute.String("tx.status", res.Status))
	return res, nil
}

// QueryOnce fetches q a single time. It fails with ErrNotConnected instead of answering
// from local data when there is no authenticated connection.
func (d *Database) QueryOnce(ctx context.Context, q reactor.Query, opts *reactor.QueryOptions) (reactor.OnceResult, error) {
	ctx, span := d.tracer.Start(ctx, "db.QueryOnce")
	defer span.End()

	if status := d.core.Status(); status != reactor.StatusAuthenticated {
		span.SetStatus(codes.Error, "not connected")
		return reactor.OnceResult{}, fmt.Errorf("query once (status %s): %w", status, ErrNotConnected)
	}

	query, hash := reactor.Key(q, opts)
	span.SetAttributes(attribute.String("query.hash", hash))

	var o reactor.QueryOptions
	if opts != nil {
		o = *opts
	}
	res, err := d.core.QueryOnce(ctx, query, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return reactor.OnceResult{}, fmt.Errorf("query once: %w", err)
	}
	return res, nil
}

// GetAuth resolves the current user, nil when signed out.
func (d *Database) GetAuth(ctx context.Context) (*reactor.User, error) {
	user, err := d.core.GetAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("get auth: %w", err)
	}
	return user, nil
}

// GetLocalID returns the durable locally generated id stored under name.
func (d *Database) GetLocalID(ctx context.Context, name string) (string, error) {
	id, err := d.core.GetLocalID(ctx, name)
	if err != nil {
		return "", fmt.Errorf("get local id %q: %w", name, err)
	}
	return id, nil
}

// Room returns a handle for (roomType, roomID). Empty values fall back to the default
// room. Handles are plain values; calling Room repeatedly is free.
func (d *Database) Room(roomType, roomID string) Room {
	if roomType == "" {
		roomType = reactor.DefaultRoomType
	}
	if roomID == "" {
		roomID = reactor.DefaultRoomID
	}
	return Room{Type: roomType, ID: roomID}
}
