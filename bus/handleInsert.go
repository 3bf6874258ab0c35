package bus

import (
	"context"

	"spacedb/region"

	"github.com/cockroachdb/errors"
)

// HandleINS stores a forwarded tuple in one region.
// MESSAGE FORMAT: INS <table> <crc16> <base64 gob tuple>
func (s *Server) HandleINS(parts []string) (string, error) {
	if len(parts) != 4 {
		return "", errors.New("usage: INS <table> <crc16> <tuple>")
	}
	group, regionID, err := region.ParseTableName(parts[1])
	if err != nil {
		return "", err
	}
	t, err := decodeTuple(parts[2], parts[3])
	if err != nil {
		return "", err
	}
	if err := s.store.Put(group, regionID, t); err != nil {
		return "", err
	}
	return ackInsert, nil
}

// HandlePUT routes a client write through the group's partition.
// MESSAGE FORMAT: PUT <group> <crc16> <base64 gob tuple>
func (s *Server) HandlePUT(ctx context.Context, parts []string) (string, error) {
	if len(parts) != 4 {
		return "", errors.New("usage: PUT <group> <crc16> <tuple>")
	}
	if s.router == nil {
		return "", errors.New("this node does not route writes")
	}
	t, err := decodeTuple(parts[2], parts[3])
	if err != nil {
		return "", err
	}
	if err := s.router.Insert(ctx, parts[1], t); err != nil {
		return "", err
	}
	return ackPut, nil
}
