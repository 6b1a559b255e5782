package posreservev1

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/posreserve/internal/domain"
)

// Поля тела PutSnapshot.
const (
	FieldTerminalID = "terminal_id"
	FieldSnapshot   = "snapshot"
)

// ErrMalformedRequest: тело запроса не соответствует ожидаемой форме.
var ErrMalformedRequest = errors.New("malformed snapshot store request")

// EncodeDocument переводит документ в Struct через его JSON-представление,
// так что непрозрачные поля снимков передаются без потерь.
func EncodeDocument(doc domain.Document) (*structpb.Struct, error) {
	if doc == nil {
		doc = domain.Document{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// DecodeDocument разбирает Struct обратно в документ.
func DecodeDocument(in *structpb.Struct) (domain.Document, error) {
	if in == nil {
		return domain.Document{}, nil
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc := domain.Document{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// NewPutRequest собирает тело PutSnapshot.
func NewPutRequest(terminalID string, snapshot domain.Snapshot) (*structpb.Struct, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	snap := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, snap); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldTerminalID: structpb.NewStringValue(terminalID),
		FieldSnapshot:   structpb.NewStructValue(snap),
	}}, nil
}

// ParsePutRequest извлекает идентификатор терминала и снимок из тела PutSnapshot.
func ParsePutRequest(in *structpb.Struct) (string, domain.Snapshot, error) {
	if in == nil {
		return "", domain.Snapshot{}, ErrMalformedRequest
	}
	idValue, ok := in.GetFields()[FieldTerminalID]
	if !ok {
		return "", domain.Snapshot{}, domain.ErrTerminalIDRequired
	}
	terminalID := idValue.GetStringValue()
	if terminalID == "" {
		return "", domain.Snapshot{}, domain.ErrTerminalIDRequired
	}

	snapValue, ok := in.GetFields()[FieldSnapshot]
	if !ok || snapValue.GetStructValue() == nil {
		return "", domain.Snapshot{}, fmt.Errorf("%w: %s must be an object", ErrMalformedRequest, FieldSnapshot)
	}
	raw, err := protojson.Marshal(snapValue.GetStructValue())
	if err != nil {
		return "", domain.Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", domain.Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	return terminalID, snap, nil
}
