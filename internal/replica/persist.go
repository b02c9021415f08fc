package replica

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// replicaMagic/replicaVersion frame replica.file the same way index
// and SSTable files are framed: magic, version, crc, then payload.
const (
	replicaMagic   = 0x52504c43 // "RPLC"
	replicaVersion = 1
)

// ErrCorruptReplicaFile marks a present-but-invalid replica.file, kept
// distinct from a missing file.
var ErrCorruptReplicaFile = fmt.Errorf("replica: corrupt replica file")

// ErrReplicaFileNotFound marks an absent replica.file: a legitimate
// fresh start for a table with no prior assignments.
var ErrReplicaFileNotFound = fmt.Errorf("replica: replica file not found")

// Save writes the directory's current assignments to path as one
// framed gob blob via tmp-file+fsync+atomic-rename, mirroring
// `btree.Tree.Save` and `storage.BuildSSTable`.
func (d *Directory) Save(path string) error {
	d.mu.RLock()
	snapshot := make(map[uuid.UUID]Assignment, len(d.assignments))
	for k, v := range d.assignments {
		snapshot[k] = v
	}
	d.mu.RUnlock()

	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(snapshot); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], replicaMagic)
	binary.LittleEndian.PutUint32(header[4:8], replicaVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(payload.Len()))
	binary.LittleEndian.PutUint32(header[12:16], crc32.ChecksumIEEE(payload.Bytes()))

	if _, err := f.Write(header); err != nil {
		return err
	}
	if _, err := f.Write(payload.Bytes()); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	removeTmp = false

	return os.Rename(tmpPath, path)
}

// LoadDirectory reads a directory previously written by Save.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrReplicaFileNotFound
		}
		return nil, err
	}
	if len(data) < 16 {
		return nil, ErrCorruptReplicaFile
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	version := binary.LittleEndian.Uint32(data[4:8])
	length := binary.LittleEndian.Uint32(data[8:12])
	crc := binary.LittleEndian.Uint32(data[12:16])
	if magic != replicaMagic || version != replicaVersion {
		return nil, ErrCorruptReplicaFile
	}
	if int(16+length) > len(data) {
		return nil, ErrCorruptReplicaFile
	}
	payload := data[16 : 16+length]
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, ErrCorruptReplicaFile
	}

	assignments := make(map[uuid.UUID]Assignment)
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&assignments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptReplicaFile, err)
	}
	return &Directory{assignments: assignments}, nil
}
