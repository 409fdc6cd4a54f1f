package schema

import (
	"reflect"
	"testing"
	"time"
)

// TestTimeLayoutOrdering verifies the invariant the databases depend
// on: formatted timestamps sort lexicographically in time order, at any
// fractional precision. RFC3339Nano breaks this by stripping trailing
// fractional zeros, so a stamp nanoseconds after one ending in a zero
// digit would compare below it as TEXT.
func TestTimeLayoutOrdering(t *testing.T) {
	// Strictly increasing, deliberately mixing precisions and stamps
	// whose nanoseconds end in zero.
	times := []time.Time{
		time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 1, 10, 0, 0, 120000000, time.UTC),
		time.Date(2024, 4, 1, 10, 0, 0, 123456780, time.UTC),
		time.Date(2024, 4, 1, 10, 0, 0, 123456789, time.UTC),
		time.Date(2024, 4, 1, 10, 0, 1, 0, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		prev := times[i-1].Format(TimeLayout)
		cur := times[i].Format(TimeLayout)
		if !(prev < cur) {
			t.Errorf("Format(%v) = %q does not sort below Format(%v) = %q",
				times[i-1], prev, times[i], cur)
		}
	}

	// Stored stamps read back losslessly with the permissive parser.
	for _, tm := range times {
		parsed, err := time.Parse(time.RFC3339Nano, tm.Format(TimeLayout))
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tm.Format(TimeLayout), err)
		}
		if !parsed.Equal(tm) {
			t.Errorf("round-trip = %v, want %v", parsed, tm)
		}
	}
}

func TestRecordValidate(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name    string
		record  Record
		wantErr bool
	}{
		{
			name:   "valid",
			record: Record{ID: "t-1", UpdatedAt: now},
		},
		{
			name:    "missing id",
			record:  Record{UpdatedAt: now},
			wantErr: true,
		},
		{
			name:    "missing updated_at",
			record:  Record{ID: "t-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecordClone(t *testing.T) {
	deleted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := &Record{
		ID:        "j-1",
		UpdatedAt: time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC),
		DeletedAt: &deleted,
		Fields: map[string]any{
			"mood":     "calm",
			"sections": map[string]string{"gratitude": "coffee"},
		},
	}

	clone := orig.Clone()
	if !reflect.DeepEqual(orig, clone) {
		t.Fatalf("Clone() = %+v, want %+v", clone, orig)
	}

	// Mutating the clone must not leak into the original.
	clone.Fields["mood"] = "tired"
	clone.Fields["sections"].(map[string]string)["gratitude"] = "tea"
	if orig.Fields["mood"] != "calm" {
		t.Error("clone mutation leaked into original fields")
	}
	if orig.Fields["sections"].(map[string]string)["gratitude"] != "coffee" {
		t.Error("clone mutation leaked into original sections")
	}
}

func TestRecordSections(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   map[string]string
	}{
		{
			name:   "typed map",
			fields: map[string]any{"sections": map[string]string{"a": "x"}},
			want:   map[string]string{"a": "x"},
		},
		{
			name:   "json decoded map",
			fields: map[string]any{"sections": map[string]any{"a": "x", "b": "y"}},
			want:   map[string]string{"a": "x", "b": "y"},
		},
		{
			name:   "no sections field",
			fields: map[string]any{"mood": "ok"},
			want:   map[string]string{},
		},
		{
			name:   "nil fields",
			fields: nil,
			want:   map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Record{ID: "x", Fields: tt.fields}
			if got := r.Sections(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Sections() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJoinSections(t *testing.T) {
	order := []string{"intention", "gratitude", "reflection", "notes"}

	tests := []struct {
		name     string
		sections map[string]string
		want     string
	}{
		{
			name:     "fixed order regardless of map order",
			sections: map[string]string{"notes": "n", "intention": "i"},
			want:     "i\n\nn",
		},
		{
			name:     "empty sections skipped",
			sections: map[string]string{"intention": "", "gratitude": "g"},
			want:     "g",
		},
		{
			name:     "unknown keys ignored",
			sections: map[string]string{"bogus": "x", "reflection": "r"},
			want:     "r",
		},
		{
			name:     "all empty",
			sections: map[string]string{},
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := JoinSections(tt.sections, order); got != tt.want {
				t.Errorf("JoinSections() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetSectionsRebuildsFullText(t *testing.T) {
	r := &Record{ID: "j-1", UpdatedAt: time.Now().UTC()}
	r.SetSections(map[string]string{"gratitude": "sun", "intention": "ship it"},
		[]string{"intention", "gratitude"})

	if got := r.Fields["fullText"]; got != "ship it\n\nsun" {
		t.Errorf("fullText = %q, want %q", got, "ship it\n\nsun")
	}
}

func TestEncodeDecodeFields(t *testing.T) {
	r := &Record{
		ID:        "t-1",
		UpdatedAt: time.Now().UTC(),
		Fields:    map[string]any{"title": "water plants", "priority": float64(2)},
	}

	data, err := r.EncodeFields()
	if err != nil {
		t.Fatalf("EncodeFields() error = %v", err)
	}

	fields, err := DecodeFields(data)
	if err != nil {
		t.Fatalf("DecodeFields() error = %v", err)
	}
	if !reflect.DeepEqual(fields, r.Fields) {
		t.Errorf("DecodeFields() = %v, want %v", fields, r.Fields)
	}

	// Empty payloads decode to an empty, non-nil map.
	fields, err = DecodeFields("")
	if err != nil {
		t.Fatalf("DecodeFields(\"\") error = %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("DecodeFields(\"\") = %v, want empty map", fields)
	}
}
