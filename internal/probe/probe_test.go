package probe

import "testing"

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    float64
		wantErr bool
	}{
		{
			name:   "format duration",
			output: `{"format":{"duration":"12.5"}}`,
			want:   12.5,
		},
		{
			name:   "stream fallback",
			output: `{"streams":[{"codec_type":"video","duration":"7.25"}],"format":{"duration":""}}`,
			want:   7.25,
		},
		{
			name:    "no duration anywhere",
			output:  `{"streams":[{"codec_type":"video"}],"format":{}}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			output:  `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration([]byte(tt.output))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
