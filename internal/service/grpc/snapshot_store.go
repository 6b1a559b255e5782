package grpcsvc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
	posreservev1 "github.com/vladislavdragonenkov/posreserve/proto/posreserve/v1"
)

// SnapshotStoreService реализует gRPC API общего хранилища снимков поверх SnapshotBackend.
// Каждая запись: атомарный upsert одного ключа, поэтому терминалы не затирают чужие снимки.
type SnapshotStoreService struct {
	posreservev1.UnimplementedSnapshotStoreServer

	backend  domain.SnapshotBackend
	notifier domain.ChangeNotifier
	logger   *log.Entry
}

// ServiceOption настраивает SnapshotStoreService.
type ServiceOption func(*SnapshotStoreService)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) ServiceOption {
	return func(s *SnapshotStoreService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotifier публикует изменения, прошедшие через сервер, например в Kafka.
func WithNotifier(notifier domain.ChangeNotifier) ServiceOption {
	return func(s *SnapshotStoreService) {
		s.notifier = notifier
	}
}

// NewSnapshotStoreService конструирует сервис.
func NewSnapshotStoreService(backend domain.SnapshotBackend, opts ...ServiceOption) *SnapshotStoreService {
	s := &SnapshotStoreService{
		backend: backend,
		logger:  log.WithField("component", "snapshot-store-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadAll возвращает весь документ.
func (s *SnapshotStoreService) LoadAll(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	doc, err := s.backend.ReadAll(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("load all failed")
		return nil, toStatus(err)
	}
	out, err := posreservev1.EncodeDocument(doc)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// PutSnapshot перезаписывает снимок одного терминала.
func (s *SnapshotStoreService) PutSnapshot(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	terminalID, snap, err := posreservev1.ParsePutRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.backend.Put(ctx, terminalID, snap); err != nil {
		s.logger.WithField("terminal_id", terminalID).WithError(err).Warn("put snapshot failed")
		return nil, toStatus(err)
	}
	s.notify(ctx, domain.ChangeSaved, terminalID, snap.SessionID)
	return &emptypb.Empty{}, nil
}

// DeleteSnapshot удаляет снимок терминала.
func (s *SnapshotStoreService) DeleteSnapshot(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	terminalID := req.GetValue()
	if terminalID == "" {
		return nil, toStatus(domain.ErrTerminalIDRequired)
	}
	if err := s.backend.Delete(ctx, terminalID); err != nil {
		s.logger.WithField("terminal_id", terminalID).WithError(err).Warn("delete snapshot failed")
		return nil, toStatus(err)
	}
	s.notify(ctx, domain.ChangeDeleted, terminalID, "")
	return &emptypb.Empty{}, nil
}

func (s *SnapshotStoreService) notify(ctx context.Context, kind domain.ChangeKind, terminalID, sessionID string) {
	if s.notifier == nil {
		return
	}
	change := domain.SnapshotChange{
		ID:         uuid.NewString(),
		Kind:       kind,
		TerminalID: terminalID,
		SessionID:  sessionID,
		At:         time.Now().UTC(),
	}
	if err := s.notifier.NotifyChange(ctx, change); err != nil {
		s.logger.WithField("terminal_id", terminalID).WithError(err).Warn("failed to publish snapshot change")
	}
}

// toStatus переводит доменные ошибки в gRPC-коды; клиент выполняет обратное преобразование.
func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrTerminalIDRequired):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, posreservev1.ErrMalformedRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrStoreCorrupt):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

var _ posreservev1.SnapshotStoreServer = (*SnapshotStoreService)(nil)
