package keys

import (
	"net/http"
	"strings"
	"testing"
)

func TestTranscription_ContentAddressed(t *testing.T) {
	a := Transcription([]byte("audio-bytes"))
	b := Transcription([]byte("audio-bytes"))
	c := Transcription([]byte("other-bytes"))

	if a != b {
		t.Error("identical audio must derive identical keys")
	}
	if a == c {
		t.Error("different audio must derive different keys")
	}
	if !strings.HasPrefix(a, "transcription:") {
		t.Errorf("unexpected key shape: %s", a)
	}
}

func TestSynthesis_VoiceConfigParticipates(t *testing.T) {
	base := VoiceConfig{Voice: "aria", Language: "en", Speed: 1.0, Pitch: 0}

	same := Synthesis("hello", base)
	if Synthesis("hello", base) != same {
		t.Error("expected deterministic keys")
	}

	variants := []VoiceConfig{
		{Voice: "jenny", Language: "en", Speed: 1.0},
		{Voice: "aria", Language: "de", Speed: 1.0},
		{Voice: "aria", Language: "en", Speed: 1.5},
		{Voice: "aria", Language: "en", Speed: 1.0, Pitch: 2},
	}
	for _, v := range variants {
		if Synthesis("hello", v) == same {
			t.Errorf("voice variant %+v collided with the base key", v)
		}
	}
	if Synthesis("goodbye", base) == same {
		t.Error("different text collided")
	}
}

func TestQuery_ParamsParticipate(t *testing.T) {
	a := Query("select * from users where id = ?", []any{42})
	b := Query("select * from users where id = ?", []any{42})
	c := Query("select * from users where id = ?", []any{43})

	if a != b {
		t.Error("expected deterministic keys")
	}
	if a == c {
		t.Error("different parameters must derive different keys")
	}
	if Query("select 1", nil) == Query("select 1", []any{}) {
		// nil and empty params are the same query
	} else {
		t.Error("nil and empty params diverged")
	}
}

func TestQueryTag_Normalized(t *testing.T) {
	if QueryTag("Users") != "table:users" {
		t.Errorf("unexpected tag: %s", QueryTag("Users"))
	}
}

func TestResponse_HeaderAllowlist(t *testing.T) {
	h := http.Header{}
	h.Set("Accept-Language", "de")
	h.Set("User-Agent", "curl/8")

	keyHeaders := []string{"Accept-Language"}

	a := Response("GET", "/api/users", "page=1", h, keyHeaders, "user-1")

	// A header outside the allowlist never fragments the cache.
	h2 := http.Header{}
	h2.Set("Accept-Language", "de")
	h2.Set("User-Agent", "firefox")
	if Response("GET", "/api/users", "page=1", h2, keyHeaders, "user-1") != a {
		t.Error("unlisted header changed the key")
	}

	// A listed header does.
	h3 := http.Header{}
	h3.Set("Accept-Language", "fr")
	if Response("GET", "/api/users", "page=1", h3, keyHeaders, "user-1") == a {
		t.Error("listed header did not change the key")
	}

	// Identity, method, path, and query all participate.
	if Response("GET", "/api/users", "page=1", h, keyHeaders, "user-2") == a {
		t.Error("identity did not change the key")
	}
	if Response("POST", "/api/users", "page=1", h, keyHeaders, "user-1") == a {
		t.Error("method did not change the key")
	}
	if Response("GET", "/api/orders", "page=1", h, keyHeaders, "user-1") == a {
		t.Error("path did not change the key")
	}
	if Response("GET", "/api/users", "page=2", h, keyHeaders, "user-1") == a {
		t.Error("query string did not change the key")
	}
}

func TestResponse_HeaderOrderIrrelevant(t *testing.T) {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", "en")

	a := Response("GET", "/", "", h, []string{"Accept", "Accept-Language"}, "")
	b := Response("GET", "/", "", h, []string{"accept-language", "accept"}, "")
	if a != b {
		t.Error("key header order or casing changed the key")
	}
}
