// Package remote реализует SnapshotBackend поверх gRPC-сервиса хранилища снимков.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	posreservev1 "github.com/vladislavdragonenkov/posreserve/proto/posreserve/v1"
)

const defaultCallTimeout = 3 * time.Second

// Backend: клиент удалённого хранилища снимков.
type Backend struct {
	client  posreservev1.SnapshotStoreClient
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *log.Entry
}

// Option настраивает Backend.
type Option func(*Backend)

// WithCallTimeout ограничивает длительность одного вызова.
func WithCallTimeout(timeout time.Duration) Option {
	return func(b *Backend) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Dial создаёт клиентское соединение к серверу хранилища. Соединение ленивое:
// недоступный сервер проявится ошибками вызовов, которые Store повторит.
func Dial(target string, opts ...Option) (*Backend, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial snapshot store %s: %w", target, err)
	}
	b := NewBackend(conn, opts...)
	b.conn = conn
	return b, nil
}

// NewBackend оборачивает готовое соединение, например bufconn в тестах.
func NewBackend(cc grpc.ClientConnInterface, opts ...Option) *Backend {
	b := &Backend{
		client:  posreservev1.NewSnapshotStoreClient(cc),
		timeout: defaultCallTimeout,
		logger:  log.WithField("component", "remote-snapshot-backend"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ReadAll читает документ целиком.
func (b *Backend) ReadAll(ctx context.Context) (domain.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.LoadAll(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fromStatus("load", err)
	}
	doc, err := posreservev1.DecodeDocument(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreCorrupt, err)
	}
	return doc, nil
}

// Put перезаписывает снимок терминала.
func (b *Backend) Put(ctx context.Context, terminalID string, snapshot domain.Snapshot) error {
	if terminalID == "" {
		return domain.ErrTerminalIDRequired
	}
	req, err := posreservev1.NewPutRequest(terminalID, snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := b.client.PutSnapshot(ctx, req); err != nil {
		return fromStatus("put", err)
	}
	return nil
}

// Delete удаляет снимок терминала.
func (b *Backend) Delete(ctx context.Context, terminalID string) error {
	if terminalID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if _, err := b.client.DeleteSnapshot(ctx, wrapperspb.String(terminalID)); err != nil {
		return fromStatus("delete", err)
	}
	return nil
}

// Close закрывает соединение, если Backend создан через Dial.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func fromStatus(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %s: %w", domain.ErrStoreTransient, op, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", domain.ErrTerminalIDRequired, st.Message())
	case codes.DataLoss:
		return fmt.Errorf("%w: %s: %s", domain.ErrStoreCorrupt, op, st.Message())
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%w: %s: %s", domain.ErrStoreTransient, op, st.Message())
	}
}

var _ domain.SnapshotBackend = (*Backend)(nil)
