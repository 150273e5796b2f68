package domain

import (
	"errors"
	"strings"
	"testing"
)

// TestNormalizeLevel 测试级别规范化是一个全函数：别名映射，其余大写原样。
func TestNormalizeLevel(t *testing.T) {
	tests := []struct {
		in    string
		want  Level
		valid bool
	}{
		{"warning", LevelWarn, true},
		{"WARNING", LevelWarn, true},
		{"fatal", LevelCritical, true},
		{"Trace", LevelDebug, true},
		{"info", LevelInfo, true},
		{" error ", LevelError, true},
		{"critical", LevelCritical, true},
		{"debug", LevelDebug, true},
		{"warn", LevelWarn, true},
		{"notice", Level("NOTICE"), false},
		{"", Level(""), false},
	}

	for _, tt := range tests {
		got, ok := NormalizeLevel(tt.in)
		if got != tt.want || ok != tt.valid {
			t.Errorf("NormalizeLevel(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}

// TestLogRecord_Validate 测试日志记录的结构校验。
func TestLogRecord_Validate(t *testing.T) {
	bigMeta := map[string]interface{}{"blob": strings.Repeat("x", MaxMetadataBytes)}

	tests := []struct {
		name    string
		rec     LogRecord
		wantErr bool
		field   string
	}{
		{
			name: "valid record",
			rec:  LogRecord{Service: "svc-a", Level: "info", Message: "hello"},
		},
		{
			// 别名在枚举校验前被规范化
			name: "alias level accepted",
			rec:  LogRecord{Service: "svc_a", Level: "warning", Message: "disk low"},
		},
		{
			name:    "empty service",
			rec:     LogRecord{Service: "", Level: "INFO", Message: "m"},
			wantErr: true,
			field:   "service",
		},
		{
			name:    "bad service pattern",
			rec:     LogRecord{Service: "svc a!", Level: "INFO", Message: "m"},
			wantErr: true,
			field:   "service",
		},
		{
			name:    "missing level",
			rec:     LogRecord{Service: "svc", Message: "m"},
			wantErr: true,
			field:   "level",
		},
		{
			name:    "unknown level",
			rec:     LogRecord{Service: "svc", Level: "verbose", Message: "m"},
			wantErr: true,
			field:   "level",
		},
		{
			name:    "empty message",
			rec:     LogRecord{Service: "svc", Level: "INFO"},
			wantErr: true,
			field:   "message",
		},
		{
			name:    "metadata too large",
			rec:     LogRecord{Service: "svc", Level: "INFO", Message: "m", Metadata: bigMeta},
			wantErr: true,
			field:   "metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %T is not *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
			if !IsValidation(err) {
				t.Errorf("IsValidation(%v) = false", err)
			}
		})
	}
}

func TestLogRecord_ValidateLongMessageWarns(t *testing.T) {
	rec := LogRecord{Service: "svc", Level: "INFO", Message: strings.Repeat("a", LongMessageWarnLength+1)}
	warnings, err := rec.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
	if got := len(rec.StoredMessage()); got != MaxStoredMessageLength {
		t.Errorf("len(StoredMessage()) = %d, want %d", got, MaxStoredMessageLength)
	}
}

func TestValidateBatchSize(t *testing.T) {
	if err := ValidateBatchSize(0); !IsValidation(err) {
		t.Errorf("ValidateBatchSize(0) = %v, want validation error", err)
	}
	if err := ValidateBatchSize(MaxBatchSize + 1); !IsValidation(err) {
		t.Errorf("ValidateBatchSize(%d) = %v, want validation error", MaxBatchSize+1, err)
	}
	if err := ValidateBatchSize(MaxBatchSize); err != nil {
		t.Errorf("ValidateBatchSize(%d) = %v, want nil", MaxBatchSize, err)
	}
}

func TestAnalysisRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     AnalysisRequest
		wantErr error
	}{
		{"defaults to on-demand", AnalysisRequest{Service: "svc-a", Start: 1, End: 2}, nil},
		{"global without service", AnalysisRequest{Kind: AnalysisGlobal, Start: 1, End: 2}, nil},
		{"empty range", AnalysisRequest{Service: "svc-a", Start: 2, End: 2}, ErrInvalidTimeRange},
		{"bad kind", AnalysisRequest{Kind: "weekly", Service: "svc-a", Start: 1, End: 2}, ErrInvalidAnalysisKind},
		{"bad service", AnalysisRequest{Service: "", Start: 1, End: 2}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				if tt.req.Kind == "" {
					t.Errorf("Kind not defaulted")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
