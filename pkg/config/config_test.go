package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Label string `yaml:"label"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("ARBOR_TEST_NAME", "tree")
	path := writeConfig(t, "name: ${ARBOR_TEST_NAME}\nport: 80\n")

	s := sample{Label: "kept"}
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "tree" || s.Port != 80 || s.Label != "kept" {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_Fallback(t *testing.T) {
	t.Setenv("ARBOR_TEST_EMPTY", "")
	path := writeConfig(t, "name: ${ARBOR_TEST_UNSET_XYZ:-fallback}\nlabel: ${ARBOR_TEST_EMPTY:-empty}\nport: 1\n")

	var s sample
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "fallback" || s.Label != "empty" {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_ValidationError(t *testing.T) {
	path := writeConfig(t, "name: x\n")
	var s sample
	err := Load(path, &s)
	if err == nil || !strings.Contains(err.Error(), "port must be positive") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, "port: 1\nprot: 2\n")
	var s sample
	if err := Load(path, &s); err == nil {
		t.Fatal("unknown key should fail")
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	s := sample{Port: 9}
	if err := Load(path, &s); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestLoadOptional_MissingFileKeepsDefaults(t *testing.T) {
	s := sample{Port: 8080}
	read, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &s)
	if err != nil || read {
		t.Fatalf("read=%v err=%v", read, err)
	}
	if s.Port != 8080 {
		t.Errorf("defaults lost: %+v", s)
	}

	s = sample{}
	if _, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &s); err == nil {
		t.Error("invalid defaults should still fail validation")
	}
}
