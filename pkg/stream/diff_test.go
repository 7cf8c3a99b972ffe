package stream

import (
	"reflect"
	"strings"
	"testing"
)

// mergeSegments joins adjacent segments of the same kind so chunking-induced
// fragmentation does not matter; only the plain/diff boundaries do.
func mergeSegments(segs []Segment) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.Text == "" {
			continue
		}
		if len(out) > 0 && out[len(out)-1].Diff == s.Diff {
			out[len(out)-1].Text += s.Text
			continue
		}
		out = append(out, s)
	}
	return out
}

func runDiff(input string, step int) []Segment {
	d := NewDiffHandler()
	var segs []Segment
	for pos := 0; pos < len(input); pos += step {
		end := pos + step
		if end > len(input) {
			end = len(input)
		}
		segs = append(segs, d.Process(input[pos:end])...)
	}
	if seg, ok := d.Flush(); ok {
		segs = append(segs, seg)
	}
	return mergeSegments(segs)
}

func TestDiffBlockAtomicUnderAnyChunking(t *testing.T) {
	input := "before<<<<<<< SEARCH\nX\n=======\nY\n>>>>>>> REPLACE\nafter"
	want := []Segment{
		{Text: "before"},
		{Text: "<<<<<<< SEARCH\nX\n=======\nY\n>>>>>>> REPLACE", Diff: true},
		{Text: "\nafter"},
	}

	for _, step := range []int{1, 2, 3, 7, 13, len(input)} {
		got := runDiff(input, step)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("step %d: segments = %+v, want %+v", step, got, want)
		}
	}
}

func TestDiffPlainTextPassesThrough(t *testing.T) {
	input := "no markers here, just text with < and <<< noise"
	got := runDiff(input, 5)
	if len(got) != 1 || got[0].Diff || got[0].Text != input {
		t.Errorf("plain text mangled: %+v", got)
	}
}

func TestDiffForceCloseSynthesizesMarkers(t *testing.T) {
	d := NewDiffHandler()
	d.Process("<<<<<<< SEARCH\nold code\n")

	seg, ok := d.Flush()
	if !ok || !seg.Diff {
		t.Fatalf("Flush = %+v ok=%v, want a tagged diff segment", seg, ok)
	}
	if !strings.Contains(seg.Text, "\n=======") {
		t.Errorf("force-closed block missing separator: %q", seg.Text)
	}
	if !strings.HasSuffix(seg.Text, ">>>>>>> REPLACE") {
		t.Errorf("force-closed block missing close marker: %q", seg.Text)
	}
}

func TestDiffForceCloseKeepsExistingSeparator(t *testing.T) {
	d := NewDiffHandler()
	d.Process("<<<<<<< SEARCH\nold\n=======\nnew\n")

	seg, ok := d.Flush()
	if !ok || !seg.Diff {
		t.Fatalf("Flush = %+v ok=%v", seg, ok)
	}
	if got := strings.Count(seg.Text, diffSeparator); got != 1 {
		t.Errorf("separator count = %d, want 1: %q", got, seg.Text)
	}
	if !strings.HasSuffix(seg.Text, ">>>>>>> REPLACE") {
		t.Errorf("missing synthesized close marker: %q", seg.Text)
	}
}

func TestDiffMultipleBlocks(t *testing.T) {
	input := "a<<<<<<< SEARCH\n1\n=======\n2\n>>>>>>> REPLACE\nb<<<<<<< SEARCH\n3\n=======\n4\n>>>>>>> REPLACE\nc"
	got := runDiff(input, 4)
	if len(got) != 5 {
		t.Fatalf("segment count = %d, want 5: %+v", len(got), got)
	}
	for i, wantDiff := range []bool{false, true, false, true, false} {
		if got[i].Diff != wantDiff {
			t.Errorf("segment %d diff = %v, want %v", i, got[i].Diff, wantDiff)
		}
	}
}

func TestDiffPartialMarkerAtTailHeld(t *testing.T) {
	d := NewDiffHandler()
	segs := d.Process("text<<<<<<< SEA")
	if len(segs) != 1 || segs[0].Text != "text" {
		t.Errorf("Process = %+v, want only the text before the partial marker", segs)
	}
	segs = d.Process("RCH\nbody\n=======\nnew\n>>>>>>> REPLACE")
	merged := mergeSegments(segs)
	if len(merged) != 1 || !merged[0].Diff {
		t.Fatalf("completed block not released atomically: %+v", merged)
	}
	if merged[0].Text != "<<<<<<< SEARCH\nbody\n=======\nnew\n>>>>>>> REPLACE" {
		t.Errorf("block content = %q", merged[0].Text)
	}
}
