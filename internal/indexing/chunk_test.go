package indexing

import (
	"fmt"
	"slices"
	"testing"
)

func TestChunk_ExhaustiveDisjointBounded(t *testing.T) {
	for n := 0; n <= 40; n++ {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("f%d", i)
		}

		chunks := Chunk(ids, DefaultChunkSize)

		var joined []string
		for _, c := range chunks {
			if len(c) == 0 || len(c) > DefaultChunkSize {
				t.Errorf("n=%d: チャンクサイズ %d が範囲外", n, len(c))
			}
			joined = append(joined, c...)
		}
		if !slices.Equal(joined, ids) {
			t.Errorf("n=%d: 連結結果が元の並びと一致しない: %v", n, joined)
		}
		if want := (n + DefaultChunkSize - 1) / DefaultChunkSize; len(chunks) != want {
			t.Errorf("n=%d: チャンク数 = %d, want %d", n, len(chunks), want)
		}
	}
}

func TestChunk_NonPositiveSizeIsSingleChunk(t *testing.T) {
	ids := []string{"a", "b", "c"}
	for _, size := range []int{0, -1} {
		chunks := Chunk(ids, size)
		if len(chunks) != 1 || !slices.Equal(chunks[0], ids) {
			t.Errorf("size=%d: Chunk = %v", size, chunks)
		}
	}
}

func TestChunk_AppendDoesNotOverwriteNext(t *testing.T) {
	chunks := Chunk([]string{"a", "b", "c", "d"}, 2)
	_ = append(chunks[0], "x")
	if chunks[1][0] != "c" {
		t.Errorf("次のチャンクが上書きされた: %v", chunks)
	}
}

func TestUniqueIDs(t *testing.T) {
	got := uniqueIDs([]string{"b", "a", "", "b", "c", "a"})
	if want := []string{"b", "a", "c"}; !slices.Equal(got, want) {
		t.Errorf("uniqueIDs = %v, want %v", got, want)
	}
}
