package wire

import (
	"strings"
	"testing"
)

func sampleSnippet() *Snippet {
	inner := []InnerFile{{
		Name: "a.txt",
		Lang: "text",
		Size: 21,
		Data: "helloworldhelloworldx",
	}}
	return &Snippet{
		Hash:        ComputeHash("bob", "", inner),
		Author:      "bob",
		Description: "",
		Timestamp:   "1700000000000",
		Inner:       inner,
	}
}

func TestSnippetRoundTrip(t *testing.T) {
	s := sampleSnippet()
	got, err := UnmarshalSnippet(MarshalSnippet(s))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Hash != s.Hash || got.Author != s.Author || got.Timestamp != s.Timestamp {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, s)
	}
	if len(got.Inner) != 1 || got.Inner[0].Data != s.Inner[0].Data {
		t.Fatalf("inner file mismatch: %+v", got.Inner)
	}
}

func TestInstructionRoundTripAllArms(t *testing.T) {
	cases := []*Instruction{
		{Kind: KindProvide, Provide: sampleSnippet()},
		{Kind: KindFetch, Fetch: strings.Repeat("a", HashLength)},
		{Kind: KindStatus},
		{Kind: KindShutdown},
		{Kind: KindDial, Dial: "/ip4/127.0.0.1/tcp/4001"},
		{Kind: KindProvideResponse, ProvideResponse: &ProvideResponse{Hash: strings.Repeat("a", HashLength), Ok: true}},
		{Kind: KindFetchResponse, FetchResponse: &FetchResponse{Snippet: sampleSnippet(), Ok: true}},
		{Kind: KindStatusResponse, StatusResponse: &StatusResponse{PeerID: "Qm123", PeerCount: 3, Hosting: 2}},
	}

	for _, want := range cases {
		encoded, err := Encode(want)
		if err != nil {
			t.Fatalf("encode %v: %v", want.Kind, err)
		}
		got, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode %v: %v", want.Kind, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind, want.Kind)
		}

		reencoded, err := Encode(got)
		if err != nil {
			t.Fatalf("re-encode %v: %v", want.Kind, err)
		}
		if string(reencoded) != string(encoded) {
			t.Fatalf("decode-then-encode not canonical for %v", want.Kind)
		}
	}
}

func TestDecodeRejectsEmptyInstruction(t *testing.T) {
	if _, err := Decode(nil); err != ErrEmptyInstruction {
		t.Fatalf("expected ErrEmptyInstruction, got %v", err)
	}
}

func TestBoundaryFileSize(t *testing.T) {
	ok := &Snippet{
		Hash:   strings.Repeat("a", HashLength),
		Author: "bob",
		Inner:  []InnerFile{{Name: "a.txt", Lang: "text", Size: 20, Data: "xxxxxxxxxxxxxxxxxxxx"}},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("size 20 should be accepted: %v", err)
	}

	bad := &Snippet{
		Hash:   strings.Repeat("a", HashLength),
		Author: "bob",
		Inner:  []InnerFile{{Name: "a.txt", Lang: "text", Size: 19, Data: "xxxxxxxxxxxxxxxxxxx"}},
	}
	if err := bad.Validate(); err != ErrInvalidFileSize {
		t.Fatalf("size 19 should be rejected, got %v", err)
	}
}

func TestBoundaryAuthorLength(t *testing.T) {
	base := sampleSnippet()

	base.Author = "bob"
	if err := base.Validate(); err != nil {
		t.Fatalf("author length 3 should be accepted: %v", err)
	}

	base.Author = "bo"
	if err := base.Validate(); err != ErrInvalidAuthor {
		t.Fatalf("author length 2 should be rejected, got %v", err)
	}
}

func TestBoundaryDescriptionLength(t *testing.T) {
	base := sampleSnippet()

	base.Description = strings.Repeat("x", 10)
	if err := base.Validate(); err != nil {
		t.Fatalf("description length 10 should be accepted: %v", err)
	}

	base.Description = strings.Repeat("x", 9)
	if err := base.Validate(); err != ErrInvalidDescription {
		t.Fatalf("description length 9 should be rejected, got %v", err)
	}
}

func TestBoundaryHashLength(t *testing.T) {
	base := sampleSnippet()

	base.Hash = strings.Repeat("a", 63)
	if err := base.Validate(); err != ErrInvalidHash {
		t.Fatalf("hash length 63 should be rejected, got %v", err)
	}

	base.Hash = strings.Repeat("a", 65)
	if err := base.Validate(); err != ErrInvalidHash {
		t.Fatalf("hash length 65 should be rejected, got %v", err)
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	inner := []InnerFile{{Name: "a.txt", Lang: "text", Size: 21, Data: "helloworldhelloworldx"}}
	h1 := ComputeHash("bob", "", inner)
	h2 := ComputeHash("bob", "", inner)
	if h1 != h2 {
		t.Fatalf("ComputeHash is not deterministic: %s vs %s", h1, h2)
	}
	if len(h1) != HashLength {
		t.Fatalf("expected %d-char hash, got %d", HashLength, len(h1))
	}
}
