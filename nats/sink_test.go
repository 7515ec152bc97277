package nats

import (
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dirwatch/dirwatch"
)

func TestSink_Name(t *testing.T) {
	tests := []struct {
		url    string
		prefix string
		want   string
	}{
		{"nats://localhost:4222", "events.fs", "nats://localhost:4222/events.fs"},
		{"", "events", nats.DefaultURL + "/events"},
	}

	for _, test := range tests {
		sink := NewSink()
		sink.URL = test.url
		sink.SubjectPrefix = test.prefix
		if got := sink.Name(); got != test.want {
			t.Errorf("Name()=%s, want %s", got, test.want)
		}
	}
}

func TestNewSinkFromURL(t *testing.T) {
	tests := []struct {
		host       string
		path       string
		wantURL    string
		wantPrefix string
		wantErr    bool
	}{
		{host: "localhost:4222", path: "/events.fs", wantURL: "nats://localhost:4222", wantPrefix: "events.fs"},
		{host: "", path: "/events", wantURL: "", wantPrefix: "events"},
		{host: "localhost:4222", path: "/", wantErr: true},
		{host: "localhost:4222", path: "", wantErr: true},
	}

	for _, test := range tests {
		sink, err := NewSinkFromURL("nats", test.host, test.path, nil, nil)
		if test.wantErr {
			if err == nil {
				t.Errorf("NewSinkFromURL(%q, %q) expected error, got nil", test.host, test.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewSinkFromURL(%q, %q) unexpected error: %v", test.host, test.path, err)
			continue
		}

		s := sink.(*Sink)
		if s.URL != test.wantURL {
			t.Errorf("NewSinkFromURL(%q, %q) URL=%s, want %s", test.host, test.path, s.URL, test.wantURL)
		}
		if s.SubjectPrefix != test.wantPrefix {
			t.Errorf("NewSinkFromURL(%q, %q) SubjectPrefix=%s, want %s", test.host, test.path, s.SubjectPrefix, test.wantPrefix)
		}
	}
}

func TestNewSinkFromURL_Credentials(t *testing.T) {
	sink, err := NewSinkFromURL("nats", "localhost:4222", "/events", nil, url.UserPassword("alice", "secret"))
	if err != nil {
		t.Fatal(err)
	}

	s := sink.(*Sink)
	if got, want := s.Username, "alice"; got != want {
		t.Errorf("Username=%s, want %s", got, want)
	}
	if got, want := s.Password, "secret"; got != want {
		t.Errorf("Password=%s, want %s", got, want)
	}
}

func TestChangeKinds(t *testing.T) {
	tests := []struct {
		name   string
		change dirwatch.Change
		want   []string
	}{
		{
			name:   "single kind",
			change: dirwatch.Change{Path: "/data/a", Events: []dirwatch.Event{{Kind: dirwatch.Created}}},
			want:   []string{"created"},
		},
		{
			name: "repeated kinds dedup in first-seen order",
			change: dirwatch.Change{Path: "/data/a", Events: []dirwatch.Event{
				{Kind: dirwatch.Modified},
				{Kind: dirwatch.Created},
				{Kind: dirwatch.Modified},
				{Kind: dirwatch.Closed},
			}},
			want: []string{"modified", "created", "closed"},
		},
		{
			name:   "no events",
			change: dirwatch.Change{Path: "/data/a"},
			want:   []string{"change"},
		},
		{
			name:   "unknown kind",
			change: dirwatch.Change{Path: "/data/a", Events: []dirwatch.Event{{Kind: dirwatch.Unknown, Tag: "sync"}}},
			want:   []string{"unknown"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := changeKinds(test.change); !reflect.DeepEqual(got, test.want) {
				t.Errorf("changeKinds()=%v, want %v", got, test.want)
			}
		})
	}
}

func TestSinkDefaults(t *testing.T) {
	sink := NewSink()

	if sink.MaxReconnects != -1 {
		t.Errorf("Expected MaxReconnects=-1, got %d", sink.MaxReconnects)
	}

	if sink.ReconnectWait != 2*time.Second {
		t.Errorf("Expected ReconnectWait=2s, got %v", sink.ReconnectWait)
	}

	if sink.Timeout != 10*time.Second {
		t.Errorf("Expected Timeout=10s, got %v", sink.Timeout)
	}
}
