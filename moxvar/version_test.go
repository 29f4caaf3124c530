package moxvar

import (
	"runtime/debug"
	"testing"
)

func TestBuildVersion(t *testing.T) {
	test := func(mainVersion string, settings map[string]string, exp string) {
		t.Helper()
		info := &debug.BuildInfo{Main: debug.Module{Version: mainVersion}}
		for k, v := range settings {
			info.Settings = append(info.Settings, debug.BuildSetting{Key: k, Value: v})
		}
		if v := buildVersion(info); v != exp {
			t.Fatalf("got version %q, expected %q", v, exp)
		}
	}

	test("v0.1.0", nil, "v0.1.0")
	test("(devel)", nil, "(devel)")
	test("(devel)", map[string]string{"vcs.revision": "abc123", "vcs.modified": "false"}, "abc123")
	test("(devel)", map[string]string{"vcs.revision": "abc123", "vcs.modified": "true"}, "abc123+modifications")
	test("", map[string]string{"vcs.revision": "abc123"}, "abc123+unknown")
}
