package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/SirClappington/ldnq/internal/domain"
)

// DefaultMapping is the map key used when no notification type has an entry.
const DefaultMapping = "default"

// Field is a repository metadata field, schema.element[.qualifier].
type Field struct {
	Schema    string
	Element   string
	Qualifier string
}

func ParseField(s string) (Field, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Field{}, fmt.Errorf("metadata field %q: want schema.element[.qualifier]", s)
	}
	for _, p := range parts {
		if p == "" {
			return Field{}, fmt.Errorf("metadata field %q: empty component", s)
		}
	}
	f := Field{Schema: parts[0], Element: parts[1]}
	if len(parts) == 3 {
		f.Qualifier = parts[2]
	}
	return f, nil
}

func (f Field) String() string {
	if f.Qualifier == "" {
		return f.Schema + "." + f.Element
	}
	return f.Schema + "." + f.Element + "." + f.Qualifier
}

// ItemUpdater writes metadata on a repository item.
type ItemUpdater interface {
	AddMetadata(ctx context.Context, item string, f Field, value string) error
}

// MetadataMap adds the notification's value to the item it is about, in the
// field mapped from the notification type.
type MetadataMap struct {
	fields  map[string]Field
	updater ItemUpdater
}

func NewMetadataMap(types map[string]string, updater ItemUpdater) (*MetadataMap, error) {
	if updater == nil {
		return nil, errors.New("metadata map: nil item updater")
	}
	fields := make(map[string]Field, len(types))
	for typ, raw := range types {
		f, err := ParseField(raw)
		if err != nil {
			return nil, fmt.Errorf("metadata map %q: %w", typ, err)
		}
		fields[typ] = f
	}
	return &MetadataMap{fields: fields, updater: updater}, nil
}

// FieldFor returns the field for the first mapped type, else the default.
func (a *MetadataMap) FieldFor(types Types) (Field, bool) {
	for _, t := range types {
		if f, ok := a.fields[t]; ok {
			return f, true
		}
	}
	f, ok := a.fields[DefaultMapping]
	return f, ok
}

func (a *MetadataMap) Apply(ctx context.Context, m domain.Message) error {
	n, err := Decode(m.Payload)
	if err != nil {
		return err
	}
	field, ok := a.FieldFor(n.Type)
	if !ok {
		return fmt.Errorf("%w: no metadata field for type %v", ErrUnmapped, []string(n.Type))
	}
	item := n.Context.GetID()
	if item == "" {
		return Permanent(errors.New("notification has no context item"))
	}
	if n.Value == "" {
		return Permanent(errors.New("notification carries no value"))
	}
	if err := a.updater.AddMetadata(ctx, item, field, n.Value); err != nil {
		return fmt.Errorf("add %s on %s: %w", field, item, err)
	}
	return nil
}

// LogUpdater records metadata writes in the log instead of a repository.
type LogUpdater struct{ Log *zap.Logger }

func (u LogUpdater) AddMetadata(_ context.Context, item string, f Field, value string) error {
	u.Log.Info("add metadata",
		zap.String("item", item),
		zap.String("field", f.String()),
		zap.String("value", value),
	)
	return nil
}
