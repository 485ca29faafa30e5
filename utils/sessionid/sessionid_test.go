package sessionid

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.True(t, strings.HasPrefix(a, "upl_"))
	assert.Equal(t, strings.ToLower(a), a)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)

	parsed, err := Parse(a)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimPrefix(a, "upl_"), strings.ToLower(parsed.String()))
}

func TestParse(t *testing.T) {
	valid := New()
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "issued id", value: valid},
		{name: "surrounding space", value: " " + valid + " "},
		{name: "too short", value: "upl_01hzx3k7", wantErr: true},
		{name: "missing prefix", value: strings.TrimPrefix(valid, "upl_"), wantErr: true},
		{name: "foreign prefix", value: "med_" + strings.TrimPrefix(valid, "upl_"), wantErr: true},
		{name: "excluded letter", value: "upl_01hzx3k7m9q2w4e6r8t0y1u3i5", wantErr: true},
		{name: "prefix only", value: "upl_", wantErr: true},
		{name: "empty", value: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestIssuedAtAndPlausible(t *testing.T) {
	now := time.Now()
	id := New()

	issued, err := IssuedAt(id)
	require.NoError(t, err)
	assert.WithinDuration(t, now, issued, time.Second)
	assert.True(t, Plausible(id, now, time.Minute))

	future := prefix + strings.ToLower(ulid.MustNew(ulid.Timestamp(now.Add(time.Hour)), ulid.DefaultEntropy()).String())
	assert.False(t, Plausible(future, now, time.Minute))
	assert.True(t, Plausible(future, now.Add(time.Hour), time.Minute))
	assert.False(t, Plausible("upl_nope", now, time.Minute))
}
