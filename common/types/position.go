package types

import "fmt"

// PartitionID names a source partition of the ingestion log.
type PartitionID string

// String implements the fmt.Stringer interface.
func (p PartitionID) String() string {
	return string(p)
}

// LogFile locates one file of a partitioned ingestion log. Remainder
// disambiguates files sharing the same name within a partition.
type LogFile struct {
	Name      string
	Remainder uint32
}

// LogPosition is a read position inside a partition: a log file plus a byte
// offset into it. The zero value is the initial position, before any file.
type LogPosition struct {
	File   LogFile
	Offset uint64
}

// InitialPosition returns the position a reader starts from when no
// checkpoint was ever committed for its partition.
func InitialPosition() LogPosition {
	return LogPosition{}
}

// IsInitial reports whether p is the initial position.
func (p LogPosition) IsInitial() bool {
	return p == LogPosition{}
}

// Before reports whether p is strictly behind other. Positions are compared
// by file name, then remainder, then offset.
func (p LogPosition) Before(other LogPosition) bool {
	if p.File.Name != other.File.Name {
		return p.File.Name < other.File.Name
	}
	if p.File.Remainder != other.File.Remainder {
		return p.File.Remainder < other.File.Remainder
	}
	return p.Offset < other.Offset
}

// String implements the fmt.Stringer interface.
func (p LogPosition) String() string {
	return fmt.Sprintf("%s.%d:%d", p.File.Name, p.File.Remainder, p.Offset)
}
