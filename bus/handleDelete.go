package bus

import (
	"spacedb/region"
	"spacedb/utils"

	"github.com/cockroachdb/errors"
)

// HandleDEL writes a tombstone into one region.
// MESSAGE FORMAT: DEL <table> <base64 key> <version>
func (s *Server) HandleDEL(parts []string) (string, error) {
	if len(parts) != 4 {
		return "", errors.New("usage: DEL <table> <key> <version>")
	}
	group, regionID, err := region.ParseTableName(parts[1])
	if err != nil {
		return "", err
	}
	key, err := decodeKey(parts[2])
	if err != nil {
		return "", err
	}
	version, err := utils.ParseInt64(parts[3])
	if err != nil {
		return "", errors.Wrap(err, "bad version")
	}
	if err := s.store.Delete(group, regionID, key, version); err != nil {
		return "", err
	}
	return ackDelete, nil
}
