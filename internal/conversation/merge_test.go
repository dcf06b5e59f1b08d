package conversation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/phonemesh/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMerge_UnionByID(t *testing.T) {
	local := []model.Message{msg("a", d1, d2, t0), msg("b", d1, d2, t0.Add(time.Second))}
	remote := []model.Message{msg("b", d1, d2, t0.Add(time.Second)), msg("c", d2, d1, t0.Add(2*time.Second))}

	got := Merge(local, remote)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got.Ascending))
	assert.Equal(t, []string{"c", "b", "a"}, ids(got.Descending))
}

func TestMerge_AuthoritativeReadFlagWins(t *testing.T) {
	l := msg("a", d2, d1, t0)
	l.Read = true
	r := msg("a", d2, d1, t0)
	r.Read = false

	got := Merge([]model.Message{l}, []model.Message{r})
	require.Len(t, got.Ascending, 1)
	assert.False(t, got.Ascending[0].Read)

	got = Merge([]model.Message{r}, []model.Message{l})
	assert.True(t, got.Ascending[0].Read)
}

func TestMerge_NewestTimestampWinsFields(t *testing.T) {
	l := msg("a", d1, d2, t0.Add(time.Minute))
	l.Text = "local edit"
	r := msg("a", d1, d2, t0)
	r.Text = "authority"
	r.Read = true

	got := Merge([]model.Message{l}, []model.Message{r}).Ascending
	require.Len(t, got, 1)
	assert.Equal(t, "local edit", got[0].Text)
	assert.True(t, got[0].Read)
}

func TestMerge_LocalDeletionUndoneByAuthority(t *testing.T) {
	remote := []model.Message{msg("m1", d1, d2, t0)}
	got := Merge(nil, remote)
	assert.Equal(t, []string{"m1"}, ids(got.Ascending))
}

func TestMerge_NeverLosesMessages(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var local, remote []model.Message
		want := map[string]struct{}{}
		for i := 0; i < 20; i++ {
			m := msg(fmt.Sprintf("m%02d", i), d1, d2, t0.Add(time.Duration(rng.Intn(10))*time.Second))
			switch rng.Intn(3) {
			case 0:
				local = append(local, m)
			case 1:
				remote = append(remote, m)
			default:
				local = append(local, m)
				remote = append(remote, m)
			}
			want[m.ID] = struct{}{}
		}
		got := Merge(local, remote).Ascending
		assert.Len(t, got, len(want))
		for i := 1; i < len(got); i++ {
			assert.False(t, model.Less(&got[i], &got[i-1]), "ascending order")
		}
		for _, m := range got {
			_, ok := want[m.ID]
			assert.True(t, ok)
		}
	}
}
