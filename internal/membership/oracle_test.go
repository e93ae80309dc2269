package membership

import (
	"context"
	"fmt"
	"testing"

	"buddyfeed/internal/spotify/spotifytest"
)

func tracks(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("spotify:track:%03d", i)
	}
	return out
}

func TestNeedsAppend(t *testing.T) {
	tests := []struct {
		name      string
		items     []string
		uri       string
		expected  bool
		wantPages int
	}{
		{"Empty playlist", nil, "spotify:track:X", true, 1},
		{"Present on first page", tracks(10), "spotify:track:005", false, 1},
		{"Absent from single page", tracks(10), "spotify:track:X", true, 1},
		{"Exactly one full page", tracks(100), "spotify:track:X", true, 1},
		{"Present on last page", tracks(250), "spotify:track:249", false, 3},
		{"Present at page boundary", tracks(201), "spotify:track:200", false, 3},
		{"Absent across pages", tracks(250), "spotify:track:X", true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := spotifytest.New("op")
			id := svc.Seed("Feed_Alice", "op", tt.items...)
			oracle := NewOracle(svc)

			got, err := oracle.NeedsAppend(context.Background(), id, tt.uri)
			if err != nil {
				t.Fatalf("NeedsAppend failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("NeedsAppend() = %v, expected %v", got, tt.expected)
			}
			if pages := svc.Calls("PlaylistItems"); pages != tt.wantPages {
				t.Errorf("Expected %d page reads, got %d", tt.wantPages, pages)
			}
			if svc.Calls("AddToPlaylist") != 0 {
				t.Error("NeedsAppend must not mutate")
			}
		})
	}
}

func TestNeedsAppendReplay(t *testing.T) {
	tests := []struct {
		name     string
		items    []string
		uri      string
		expected bool
	}{
		{"Empty playlist", nil, "spotify:track:A", true},
		{"Same as last", []string{"spotify:track:B", "spotify:track:A"}, "spotify:track:A", false},
		{"Differs from last", []string{"spotify:track:A", "spotify:track:B"}, "spotify:track:A", true},
		{"Deep tail", append(tracks(350), "spotify:track:T"), "spotify:track:T", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := spotifytest.New("op")
			id := svc.Seed("Replay_Alice", "op", tt.items...)
			oracle := NewOracle(svc)

			got, err := oracle.NeedsAppendReplay(context.Background(), id, tt.uri)
			if err != nil {
				t.Fatalf("NeedsAppendReplay failed: %v", err)
			}
			if got != tt.expected {
				t.Errorf("NeedsAppendReplay() = %v, expected %v", got, tt.expected)
			}
			if reads := svc.Calls("PlaylistItems"); reads > 2 {
				t.Errorf("Tail check must read at most two pages, got %d", reads)
			}
		})
	}
}

func TestNeedsAppend_MissingPlaylist(t *testing.T) {
	oracle := NewOracle(spotifytest.New("op"))
	if _, err := oracle.NeedsAppend(context.Background(), "missing", "spotify:track:A"); err == nil {
		t.Error("Expected error for an unknown playlist")
	}
}
