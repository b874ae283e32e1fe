package engine

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/evalstream/internal/model"
)

func feedAll(t *testing.T, d *Decoder, chunks ...string) []model.ResultEvent {
	t.Helper()
	var out []model.ResultEvent
	for _, c := range chunks {
		evs, err := d.Feed([]byte(c))
		require.NoError(t, err)
		out = append(out, evs...)
	}
	evs, err := d.Finish()
	require.NoError(t, err)
	return append(out, evs...)
}

func TestDecoderSplitAcrossChunks(t *testing.T) {
	whole := feedAll(t, NewDecoder(), `{"model":"a","trials":1,"score":0}`+"\n")
	split := feedAll(t, NewDecoder(), `{"model":"a",`, `"trials":1,"score":0}`+"\n")

	require.Len(t, whole, 1)
	if diff := cmp.Diff(whole, split); diff != "" {
		t.Errorf("split decode differs (-whole +split):\n%s", diff)
	}
}

func TestDecoderEveryByteBoundary(t *testing.T) {
	stream := `{"run_id":"r1"}` + "\n" +
		`{"model":"a","trials":1,"score":1,"completions":[{"answer":"é ü 漢","score":1}]}` + "\n" +
		`{"model":"b","trials":1,"score":0}` + "\n"
	want := feedAll(t, NewDecoder(), stream)
	require.Len(t, want, 3)

	for cut := 1; cut < len(stream); cut++ {
		got := feedAll(t, NewDecoder(), stream[:cut], stream[cut:])
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("cut at %d (-want +got):\n%s", cut, diff)
		}
	}
}

func TestDecoderControlDetection(t *testing.T) {
	evs := feedAll(t, NewDecoder(),
		`{"run_id":"r1"}`+"\n"+
			`{"model":"a","trials":1,"score":1}`+"\n"+
			`{"model":"b","trials":1,"score":0}`+"\n")

	require.Len(t, evs, 3)
	assert.Equal(t, model.EventControl, evs[0].Kind)
	assert.Equal(t, "r1", evs[0].RunID)
	assert.Equal(t, model.EventUpdate, evs[1].Kind)
	assert.Equal(t, "a", evs[1].Update.Model)
	assert.Equal(t, model.EventUpdate, evs[2].Kind)
	assert.Equal(t, "b", evs[2].Update.Model)
}

func TestDecoderOnlyFirstRecordCanBeControl(t *testing.T) {
	evs := feedAll(t, NewDecoder(),
		`{"model":"a","trials":1,"score":1}`+"\n"+
			`{"run_id":"late"}`+"\n")

	require.Len(t, evs, 2)
	assert.Equal(t, model.EventUpdate, evs[0].Kind)
	assert.Equal(t, model.EventUpdate, evs[1].Kind)
}

func TestDecoderSkipsBlankLinesAndCRLF(t *testing.T) {
	evs := feedAll(t, NewDecoder(), "\n  \r\n"+`{"run_id":"r1"}`+"\r\n\n"+`{"model":"a","trials":2,"score":0.5}`+"\r\n")
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventControl, evs[0].Kind, "blank lines do not consume the control slot")
}

func TestDecoderHoldsIncompleteTail(t *testing.T) {
	d := NewDecoder()
	evs, err := d.Feed([]byte(`{"model":"a","trials":1}` + "\n" + `{"model":"b"`))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, len(`{"model":"b"`), d.Pending())

	evs, err = d.Feed([]byte(`,"trials":2}` + "\n"))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "b", evs[0].Update.Model)
	assert.Equal(t, 0, d.Pending())
}

func TestDecoderFinishParsesUnterminatedLine(t *testing.T) {
	evs := feedAll(t, NewDecoder(), `{"model":"a","trials":3,"score":1}`)
	require.Len(t, evs, 1)
	assert.Equal(t, "a", evs[0].Update.Model)
}

func TestDecoderMalformedReturnsPriorEvents(t *testing.T) {
	d := NewDecoder()
	evs, err := d.Feed([]byte(`{"model":"a","trials":1}` + "\n" + `{"model":"b","trials":1}` + "\n" + "not json\n" + `{"model":"c"}` + "\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedEvent))

	var me *MalformedEventError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 3, me.Line)
	assert.Equal(t, "not json", me.Raw)

	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].Update.Model)
	assert.Equal(t, "b", evs[1].Update.Model)
}

func TestDecoderMalformedTailAtFinish(t *testing.T) {
	d := NewDecoder()
	_, err := d.Feed([]byte(`{"model":"a"`))
	require.NoError(t, err)
	_, err = d.Finish()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecoderLineTooLong(t *testing.T) {
	d := NewDecoder()
	d.maxLine = 16
	_, err := d.Feed([]byte(strings.Repeat("x", 17)))
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.ErrorIs(t, err, errLineTooLong)
}

func TestDecoderCompleteLineTooLong(t *testing.T) {
	d := NewDecoder()
	d.maxLine = 64
	long := `{"model":"m1","trials":1,"score":1,"completions":[{"answer":"` + strings.Repeat("x", 200) + `"}]}`

	evs, err := d.Feed([]byte(`{"model":"m2","trials":1}` + "\n" + long + "\n"))
	require.Len(t, evs, 1)
	assert.Equal(t, "m2", evs[0].Update.Model)
	assert.ErrorIs(t, err, errLineTooLong)

	var me *MalformedEventError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 2, me.Line)
}

func TestMalformedRawKeepsRunesWhole(t *testing.T) {
	raw := []byte("x" + strings.Repeat("é", maxRawInError))
	me := newMalformed(1, raw, errors.New("bad"))

	assert.True(t, utf8.ValidString(me.Raw))
	assert.True(t, strings.HasSuffix(me.Raw, "..."))
	assert.LessOrEqual(t, len(me.Raw), maxRawInError+len("..."))
}
