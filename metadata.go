package larch

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// metadataFileName is the forest's UTF-8 INI metadata file, per
// spec.md §6.
const metadataFileName = "metadata"

// Metadata is the persisted forest-wide state: codec/store version,
// structural parameters, the high-water NodeId, and every tree root.
type Metadata struct {
	Format   string
	NodeSize int
	KeySize  int
	LastID   uint64
	RootIDs  []NodeId
}

func (m Metadata) serialize() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "format=%s\n", m.Format)
	fmt.Fprintf(&buf, "node_size=%d\n", m.NodeSize)
	fmt.Fprintf(&buf, "key_size=%d\n", m.KeySize)
	fmt.Fprintf(&buf, "last_id=%d\n", m.LastID)

	ids := make([]string, len(m.RootIDs))
	for i, id := range m.RootIDs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	fmt.Fprintf(&buf, "root_ids=%s\n", strings.Join(ids, ","))

	return buf.Bytes()
}

func parseMetadata(data []byte) (*Metadata, error) {
	fields := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("larch: malformed metadata line %q: %w", line, ErrFormatProblem)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	format, ok := fields["format"]
	if !ok {
		return nil, fmt.Errorf("larch: metadata missing format: %w", ErrFormatProblem)
	}

	nodeSize, err := strconv.Atoi(fields["node_size"])
	if err != nil {
		return nil, fmt.Errorf("larch: metadata has bad node_size: %w", ErrFormatProblem)
	}

	keySize, err := strconv.Atoi(fields["key_size"])
	if err != nil {
		return nil, fmt.Errorf("larch: metadata has bad key_size: %w", ErrFormatProblem)
	}

	lastID, err := strconv.ParseUint(fields["last_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("larch: metadata has bad last_id: %w", ErrFormatProblem)
	}

	var rootIDs []NodeId
	if raw := fields["root_ids"]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("larch: metadata has bad root_ids: %w", ErrFormatProblem)
			}
			rootIDs = append(rootIDs, NodeId(v))
		}
	}

	return &Metadata{
		Format:   format,
		NodeSize: nodeSize,
		KeySize:  keySize,
		LastID:   lastID,
		RootIDs:  rootIDs,
	}, nil
}
