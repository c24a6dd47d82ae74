package main

import (
	"testing"
)

// clearConfigEnv clears the config env vars for the duration of the test.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{"FAKECLOUD_TOKEN", "PORT", "FAKECLOUD_PAGE_SIZE"} {
		t.Setenv(v, "")
	}
}

func TestLoadConfig_MissingToken(t *testing.T) {
	clearConfigEnv(t)

	_, _, _, err := loadConfig()
	if err == nil {
		t.Fatal("expected error when FAKECLOUD_TOKEN is unset, got nil")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("FAKECLOUD_TOKEN", "my-token")

	_, port, pageSize, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if port != "8080" {
		t.Errorf("PORT default: got %q, want 8080", port)
	}
	if pageSize != 20 {
		t.Errorf("page size default: got %d, want 20", pageSize)
	}
}

func TestLoadConfig_CustomValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("FAKECLOUD_TOKEN", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("FAKECLOUD_PAGE_SIZE", "2")

	token, port, pageSize, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "secret" {
		t.Errorf("token: got %q, want secret", token)
	}
	if port != "9090" {
		t.Errorf("port: got %q, want 9090", port)
	}
	if pageSize != 2 {
		t.Errorf("page size: got %d, want 2", pageSize)
	}
}

func TestLoadConfig_BadPageSize(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("FAKECLOUD_TOKEN", "secret")
	t.Setenv("FAKECLOUD_PAGE_SIZE", "zero")

	if _, _, _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid page size")
	}
}
