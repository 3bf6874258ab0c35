package bus

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"spacedb/tuple"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

const (
	ackInsert = "ACK INS"
	ackDelete = "ACK DEL"
	ackPut    = "ACK PUT"
	pong      = "PONG"
)

// HandleClusterCommand executes one protocol line and returns the reply
// without the trailing newline.
func (s *Server) HandleClusterCommand(ctx context.Context, cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return "ERR empty command"
	}

	var err error
	var reply string
	switch strings.ToUpper(parts[0]) {
	case "INS":
		reply, err = s.HandleINS(parts)
	case "DEL":
		reply, err = s.HandleDEL(parts)
	case "PUT":
		reply, err = s.HandlePUT(ctx, parts)
	case "PING":
		reply = pong
	default:
		err = errors.Newf("unknown command %q", parts[0])
	}
	if err != nil {
		return "ERR " + strings.ReplaceAll(err.Error(), "\n", " ")
	}
	return reply
}

// encodeTuple returns the base64 gob form of t and its checksum.
func encodeTuple(t *tuple.Tuple) (string, uint16, error) {
	raw, err := tuple.Encode(t)
	if err != nil {
		return "", 0, err
	}
	return base64.StdEncoding.EncodeToString(raw), utils.CalculateCRC16(raw), nil
}

func decodeTuple(sum, payload string) (*tuple.Tuple, error) {
	want, err := utils.ParseUint16(sum)
	if err != nil {
		return nil, errors.Wrap(err, "bad checksum field")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, "bad tuple encoding")
	}
	if !utils.VerifyCRC16(raw, want) {
		return nil, errors.New("checksum mismatch")
	}
	return tuple.Decode(raw)
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(field string) (string, error) {
	key, err := base64.RawURLEncoding.DecodeString(field)
	if err != nil {
		return "", errors.Wrap(err, "bad key encoding")
	}
	return string(key), nil
}

func formatVersion(v int64) string {
	return strconv.FormatInt(v, 10)
}
