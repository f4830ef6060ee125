package thumbnail

import "testing"

func TestParseBlackEnd(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   float64
	}{
		{
			name:   "single segment",
			output: "[blackdetect @ 0x1] black_start:0 black_end:1.24 black_duration:1.24",
			want:   1.24,
		},
		{
			name: "multiple segments takes last",
			output: "[blackdetect @ 0x1] black_start:0 black_end:0.5 black_duration:0.5\n" +
				"[blackdetect @ 0x1] black_start:2.0 black_end:3.75 black_duration:1.75",
			want: 3.75,
		},
		{
			name:   "no segments",
			output: "frame=  100 fps= 50 q=-0.0 size=N/A time=00:00:04.00",
			want:   0,
		},
		{
			name:   "empty output",
			output: "",
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBlackEnd(tt.output); got != tt.want {
				t.Errorf("ParseBlackEnd() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveTimestamp(t *testing.T) {
	tests := []struct {
		name     string
		blackEnd float64
		duration float64
		want     float64
	}{
		{"past black segment", 1.2, 10, 1.3},
		{"no black detected", 0, 10, 0.1},
		{"black end near media end falls back to midpoint", 9.95, 10, 5},
		{"black end past media end falls back to midpoint", 12, 10, 5},
		{"very short media", 0, 0.05, 0.025},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveTimestamp(tt.blackEnd, tt.duration)
			if got != tt.want {
				t.Errorf("ResolveTimestamp(%v, %v) = %v, want %v", tt.blackEnd, tt.duration, got, tt.want)
			}
		})
	}
}

// The extraction timestamp must land inside the media for any detected
// black-end value.
func TestResolveTimestamp_Bound(t *testing.T) {
	durations := []float64{0.05, 0.2, 1, 4.99, 10, 3600}
	blackEnds := []float64{0, 0.09, 0.1, 1, 4.9, 9.99, 10, 50, 1e6}

	for _, d := range durations {
		for _, b := range blackEnds {
			got := ResolveTimestamp(b, d)
			if got < 0 || got >= d {
				t.Errorf("ResolveTimestamp(%v, %v) = %v, out of [0, %v)", b, d, got, d)
			}
		}
	}
}
