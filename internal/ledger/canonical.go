package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"
)

// CanonicalVersion is the header line of the v1 canonical encoding.
// Changing the field set or order requires a new version.
const CanonicalVersion = "govgate.ledger.v1"

// TimeLayout is the fixed-precision UTC timestamp layout used for hashing.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Canonical returns the v1 byte encoding of every hashed field of e.
// ContentHash and PrevHash are not part of the encoding.
func Canonical(e *Event) ([]byte, error) {
	ctx, err := canonicalContext(e.Context)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(CanonicalVersion)
	buf.WriteByte('\n')
	writeField(&buf, "id", e.ID)
	writeField(&buf, "seq", strconv.FormatInt(e.Seq, 10))
	writeField(&buf, "kind", string(e.Kind))
	writeField(&buf, "description", e.Description)
	writeField(&buf, "actor_id", e.ActorID)
	writeField(&buf, "actor_kind", string(e.ActorKind))
	writeField(&buf, "outcome", string(e.Outcome))
	writeField(&buf, "resource_type", e.ResourceType)
	writeField(&buf, "resource_id", e.ResourceID)
	writeField(&buf, "created_at", e.CreatedAt.UTC().Format(TimeLayout))
	writeField(&buf, "context", string(ctx))
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(len(value)))
	buf.WriteByte(':')
	buf.WriteString(value)
	buf.WriteByte('\n')
}

func canonicalContext(ctx map[string]string) ([]byte, error) {
	if ctx == nil {
		ctx = map[string]string{}
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal context: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize context: %w", err)
	}
	return out, nil
}

// ComputeHash returns "sha256:<hex>" over canonical(e) followed by prevHash.
func ComputeHash(e *Event, prevHash string) (string, error) {
	data, err := Canonical(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(prevHash))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
