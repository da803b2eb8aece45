package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/ldnq/internal/domain"
)

type mockUpdater struct{ mock.Mock }

func (m *mockUpdater) AddMetadata(ctx context.Context, item string, f Field, value string) error {
	return m.Called(ctx, item, f, value).Error(0)
}

func TestParseField(t *testing.T) {
	f, err := ParseField("dc.description.abstract")
	require.NoError(t, err)
	assert.Equal(t, Field{Schema: "dc", Element: "description", Qualifier: "abstract"}, f)
	assert.Equal(t, "dc.description.abstract", f.String())

	f, err = ParseField("dc.title")
	require.NoError(t, err)
	assert.Equal(t, Field{Schema: "dc", Element: "title"}, f)
	assert.Equal(t, "dc.title", f.String())

	for _, bad := range []string{"", "dc", "a.b.c.d", "dc..x"} {
		_, err := ParseField(bad)
		assert.Error(t, err, bad)
	}
}

func TestMetadataMap_FieldSelection(t *testing.T) {
	u := &mockUpdater{}
	mm, err := NewMetadataMap(map[string]string{
		"ENRICH/MISSING/ABSTRACT": "dc.description.abstract",
		DefaultMapping:            "dc.description",
	}, u)
	require.NoError(t, err)

	abstract := Field{Schema: "dc", Element: "description", Qualifier: "abstract"}
	fallback := Field{Schema: "dc", Element: "description"}
	u.On("AddMetadata", mock.Anything, "https://repo.example/items/1", abstract, "An abstract").Return(nil).Once()
	u.On("AddMetadata", mock.Anything, "https://repo.example/items/1", fallback, "Other").Return(nil).Once()

	ctx := context.Background()
	require.NoError(t, mm.Apply(ctx, domain.Message{Payload: []byte(`{
		"type": ["Announce", "ENRICH/MISSING/ABSTRACT"],
		"context": {"id": "https://repo.example/items/1"},
		"value": "An abstract"}`)}))
	require.NoError(t, mm.Apply(ctx, domain.Message{Payload: []byte(`{
		"type": "ENRICH/MORE/LINK",
		"context": {"id": "https://repo.example/items/1"},
		"value": "Other"}`)}))

	u.AssertExpectations(t)
}

func TestMetadataMap_Failures(t *testing.T) {
	u := &mockUpdater{}
	mm, err := NewMetadataMap(map[string]string{"ENRICH/MISSING/PID": "dc.identifier.other"}, u)
	require.NoError(t, err)
	ctx := context.Background()

	err = mm.Apply(ctx, domain.Message{Payload: []byte(`{"type":"ENRICH/MORE/LINK","context":{"id":"i"},"value":"v"}`)})
	assert.ErrorIs(t, err, ErrUnmapped, "no entry and no default")

	err = mm.Apply(ctx, domain.Message{Payload: []byte(`{"type":"ENRICH/MISSING/PID","value":"v"}`)})
	assert.True(t, IsPermanent(err), "no item")

	err = mm.Apply(ctx, domain.Message{Payload: []byte(`{"type":"ENRICH/MISSING/PID","context":{"id":"i"}}`)})
	assert.True(t, IsPermanent(err), "no value")

	boom := errors.New("repository timeout")
	u.On("AddMetadata", mock.Anything, "i", mock.Anything, "v").Return(boom)
	err = mm.Apply(ctx, domain.Message{Payload: []byte(`{"type":"ENRICH/MISSING/PID","context":{"id":"i"},"value":"v"}`)})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err), "repository errors are retried")
}

func TestNewMetadataMap_RejectsBadField(t *testing.T) {
	_, err := NewMetadataMap(map[string]string{"x": "nodots"}, &mockUpdater{})
	assert.Error(t, err)
	_, err = NewMetadataMap(nil, nil)
	assert.Error(t, err)
}
