package journal

import (
	"context"
	"testing"
)

type fakeJournal struct{ saved map[string][]byte }

func (f *fakeJournal) Save(ctx context.Context, key string, data []byte) error {
	f.saved[key] = data
	return nil
}

func (f *fakeJournal) Load(ctx context.Context, key string) ([]byte, error) {
	return f.saved[key], nil
}

func (f *fakeJournal) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	for k := range f.saved {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestCreateUnknownBackend(t *testing.T) {
	if _, err := Create(context.Background(), "does-not-exist", nil); err == nil {
		t.Fatal("expected error for unregistered backend")
	}
}

func TestRegisterAndCreate(t *testing.T) {
	Register("fake-for-test", func(ctx context.Context, conf map[string]interface{}) (Journal, error) {
		return &fakeJournal{saved: make(map[string][]byte)}, nil
	})

	j, err := Create(context.Background(), "fake-for-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Save(context.Background(), "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	got, err := j.Load(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q", got)
	}
}
