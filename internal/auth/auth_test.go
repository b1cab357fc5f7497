package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCredentials_Headers(t *testing.T) {
	creds := &Credentials{Token: "t.secret", AppName: "invest-streams/dev"}

	headers := creds.Headers("track-1")

	if headers[HeaderAuthorization] != "Bearer t.secret" {
		t.Errorf("authorization = %q, want %q", headers[HeaderAuthorization], "Bearer t.secret")
	}
	if headers[HeaderAppName] != "invest-streams/dev" {
		t.Errorf("x-app-name = %q, want %q", headers[HeaderAppName], "invest-streams/dev")
	}
	if headers[HeaderTrackingID] != "track-1" {
		t.Errorf("x-tracking-id = %q, want %q", headers[HeaderTrackingID], "track-1")
	}

	// Optional headers are omitted when empty.
	bare := (&Credentials{Token: "t"}).Headers("")
	if len(bare) != 1 {
		t.Errorf("headers = %v, want authorization only", bare)
	}
}

func TestCredentials_PerRPC(t *testing.T) {
	creds := &Credentials{Token: "t.secret"}
	rpc := creds.PerRPC(true)

	if !rpc.RequireTransportSecurity() {
		t.Error("RequireTransportSecurity() = false, want true")
	}

	first, err := rpc.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata failed: %v", err)
	}
	second, _ := rpc.GetRequestMetadata(context.Background())

	if first[HeaderAuthorization] != "Bearer t.secret" {
		t.Errorf("authorization = %q, want %q", first[HeaderAuthorization], "Bearer t.secret")
	}
	if _, err := uuid.Parse(first[HeaderTrackingID]); err != nil {
		t.Errorf("tracking id %q is not a uuid: %v", first[HeaderTrackingID], err)
	}
	if first[HeaderTrackingID] == second[HeaderTrackingID] {
		t.Error("tracking id reused across RPCs")
	}

	if creds.PerRPC(false).RequireTransportSecurity() {
		t.Error("RequireTransportSecurity() = true, want false")
	}
}

func TestLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  t.from-file\n"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	token, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken failed: %v", err)
	}
	if token != "t.from-file" {
		t.Errorf("token = %q, want %q", token, "t.from-file")
	}
}

func TestLoadToken_Errors(t *testing.T) {
	if _, err := LoadToken("/nonexistent/path/to/token"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := LoadToken(empty); !errors.Is(err, ErrMissingToken) {
		t.Errorf("LoadToken(empty) = %v, want ErrMissingToken", err)
	}
}

func TestLoadCredentials(t *testing.T) {
	file := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(file, []byte("t.file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	tests := []struct {
		name      string
		token     string
		tokenFile string
		env       string
		want      string
		wantErr   bool
	}{
		{"explicit token wins", "t.explicit", file, "t.env", "t.explicit", false},
		{"file before env", "", file, "t.env", "t.file", false},
		{"env fallback", "", "", "t.env", "t.env", false},
		{"nothing", "", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(TokenEnv, tt.env)

			creds, err := LoadCredentials(tt.token, tt.tokenFile, "app")
			if tt.wantErr {
				if !errors.Is(err, ErrMissingToken) {
					t.Errorf("LoadCredentials = %v, want ErrMissingToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadCredentials failed: %v", err)
			}
			if creds.Token != tt.want {
				t.Errorf("Token = %q, want %q", creds.Token, tt.want)
			}
			if creds.AppName != "app" {
				t.Errorf("AppName = %q, want %q", creds.AppName, "app")
			}
		})
	}
}

func TestNewTrackingID(t *testing.T) {
	id := NewTrackingID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("NewTrackingID() = %q, not a uuid: %v", id, err)
	}
	if strings.ToLower(id) != id {
		t.Errorf("NewTrackingID() = %q, want lowercase", id)
	}
}
