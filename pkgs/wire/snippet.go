package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for Snippet.
const (
	snippetFieldHash        protowire.Number = 1
	snippetFieldAuthor      protowire.Number = 2
	snippetFieldDescription protowire.Number = 3
	snippetFieldTimestamp   protowire.Number = 4
	snippetFieldInner       protowire.Number = 5
)

// Field numbers for InnerFile, nested inside Snippet.inner.
const (
	innerFieldName protowire.Number = 1
	innerFieldLang protowire.Number = 2
	innerFieldSize protowire.Number = 3
	innerFieldData protowire.Number = 4
)

// Range invariants from the data model. Boundary values are inclusive.
const (
	HashLength = 64

	MinAuthorLength = 3
	MaxAuthorLength = 50

	MinDescriptionLength = 10
	MaxDescriptionLength = 100

	MinFileSize = 20
	MaxFileSize = 50 * 1024 * 1024
)

var (
	ErrInvalidHash        = errors.New("wire: hash must be 64 lowercase hex characters")
	ErrInvalidAuthor      = errors.New("wire: author length out of range")
	ErrInvalidDescription = errors.New("wire: description length out of range")
	ErrInvalidInner       = errors.New("wire: snippet must contain at least one inner file")
	ErrInvalidFileSize    = errors.New("wire: inner file size out of range")
	ErrHashMismatch       = errors.New("wire: declared hash does not match content-derived hash")
)

// InnerFile is one file inside a Snippet's ordered, non-empty sequence.
type InnerFile struct {
	Name string
	Lang string
	Size uint64
	Data string
}

// Snippet is the unit of sharing: the content-derived identifier plus the
// ordered files it carries.
type Snippet struct {
	Hash        string
	Author      string
	Description string
	Timestamp   string
	Inner       []InnerFile
}

// Validate enforces every range invariant in §3 of the spec, independent of
// whether the declared Hash matches the content. Callers that need the
// content-derivation check too should call VerifyHash as well.
func (s *Snippet) Validate() error {
	if len(s.Hash) != HashLength || !isLowerHex(s.Hash) {
		return ErrInvalidHash
	}
	if n := len(s.Author); n < MinAuthorLength || n > MaxAuthorLength {
		return ErrInvalidAuthor
	}
	if s.Description != "" {
		if n := len(s.Description); n < MinDescriptionLength || n > MaxDescriptionLength {
			return ErrInvalidDescription
		}
	}
	if len(s.Inner) == 0 {
		return ErrInvalidInner
	}
	for _, f := range s.Inner {
		if f.Size < MinFileSize || f.Size > MaxFileSize {
			return ErrInvalidFileSize
		}
	}
	return nil
}

// VerifyHash recomputes the content-derived identifier and compares it
// against s.Hash.
func (s *Snippet) VerifyHash() error {
	if ComputeHash(s.Author, s.Description, s.Inner) != s.Hash {
		return ErrHashMismatch
	}
	return nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// MarshalSnippet encodes s as canonical protobuf wire bytes.
func MarshalSnippet(s *Snippet) []byte {
	var b []byte
	b = appendStringField(b, snippetFieldHash, s.Hash)
	b = appendStringField(b, snippetFieldAuthor, s.Author)
	b = appendStringField(b, snippetFieldDescription, s.Description)
	b = appendStringField(b, snippetFieldTimestamp, s.Timestamp)
	for _, f := range s.Inner {
		b = protowire.AppendTag(b, snippetFieldInner, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInnerFile(f))
	}
	return b
}

// UnmarshalSnippet decodes canonical protobuf wire bytes into a Snippet.
func UnmarshalSnippet(b []byte) (*Snippet, error) {
	s := &Snippet{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case snippetFieldHash:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			s.Hash = v
			b = b[m:]
		case snippetFieldAuthor:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			s.Author = v
			b = b[m:]
		case snippetFieldDescription:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			s.Description = v
			b = b[m:]
		case snippetFieldTimestamp:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			s.Timestamp = v
			b = b[m:]
		case snippetFieldInner:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			inner, err := unmarshalInnerFile(raw)
			if err != nil {
				return nil, err
			}
			s.Inner = append(s.Inner, *inner)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return s, nil
}

func marshalInnerFile(f InnerFile) []byte {
	var b []byte
	b = appendStringField(b, innerFieldName, f.Name)
	b = appendStringField(b, innerFieldLang, f.Lang)
	if f.Size != 0 {
		b = protowire.AppendTag(b, innerFieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Size)
	}
	b = appendStringField(b, innerFieldData, f.Data)
	return b
}

func unmarshalInnerFile(b []byte) (*InnerFile, error) {
	f := &InnerFile{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case innerFieldName:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			f.Name = v
			b = b[m:]
		case innerFieldLang:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			f.Lang = v
			b = b[m:]
		case innerFieldSize:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			f.Size = v
			b = b[m:]
		case innerFieldData:
			v, m, err := consumeString(typ, b)
			if err != nil {
				return nil, err
			}
			f.Data = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return f, nil
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, v)
	return b
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("wire: expected bytes-typed field, got %v", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}
