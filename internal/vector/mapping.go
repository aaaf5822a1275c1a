package vector

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// sidecar is the JSON form of the slot/record mapping written next to the index blob.
type sidecar struct {
	SlotToRecord map[string]int64 `json:"slot_to_record"`
	RecordToSlot map[string]int64 `json:"record_to_slot"`
	LastUpdated  time.Time        `json:"last_updated"`
	VectorCount  int              `json:"vector_count"`
	NextSlot     int64            `json:"next_slot"`
	Dimension    int              `json:"dimension"`
	IndexType    string           `json:"index_type,omitempty"`
	Metric       Metric           `json:"metric,omitempty"`
}

// slotMap is the in-memory bidirectional mapping. It is only touched under the Manager's lock.
type slotMap struct {
	slotToRecord map[int64]int64
	recordToSlot map[int64]int64
	nextSlot     int64
}

func newSlotMap() *slotMap {
	return &slotMap{
		slotToRecord: make(map[int64]int64),
		recordToSlot: make(map[int64]int64),
	}
}

func (s *slotMap) put(slot, record int64) {
	s.slotToRecord[slot] = record
	s.recordToSlot[record] = slot
}

func (s *slotMap) dropSlot(slot int64) {
	if record, ok := s.slotToRecord[slot]; ok {
		delete(s.slotToRecord, slot)
		if s.recordToSlot[record] == slot {
			delete(s.recordToSlot, record)
		}
	}
}

func (s *slotMap) allocate() int64 {
	slot := s.nextSlot
	s.nextSlot++
	return slot
}

func (s *slotMap) len() int { return len(s.slotToRecord) }

func (s *slotMap) toSidecar(vectorCount, dimension int, indexType string, metric Metric) *sidecar {
	sc := &sidecar{
		SlotToRecord: make(map[string]int64, len(s.slotToRecord)),
		RecordToSlot: make(map[string]int64, len(s.recordToSlot)),
		LastUpdated:  time.Now().UTC(),
		VectorCount:  vectorCount,
		NextSlot:     s.nextSlot,
		Dimension:    dimension,
		IndexType:    indexType,
		Metric:       metric,
	}
	for slot, record := range s.slotToRecord {
		sc.SlotToRecord[strconv.FormatInt(slot, 10)] = record
	}
	for record, slot := range s.recordToSlot {
		sc.RecordToSlot[strconv.FormatInt(record, 10)] = slot
	}
	return sc
}

// fromSidecar rebuilds the mapping. The two directions must agree exactly.
func fromSidecar(sc *sidecar) (*slotMap, error) {
	s := newSlotMap()
	for k, record := range sc.SlotToRecord {
		slot, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad slot key %q: %w", k, err)
		}
		if _, dup := s.recordToSlot[record]; dup {
			return nil, fmt.Errorf("record %d mapped to more than one slot", record)
		}
		s.put(slot, record)
		if slot >= s.nextSlot {
			s.nextSlot = slot + 1
		}
	}
	if len(sc.RecordToSlot) != len(s.recordToSlot) {
		return nil, fmt.Errorf("record_to_slot has %d entries, slot_to_record has %d", len(sc.RecordToSlot), len(s.slotToRecord))
	}
	for k, slot := range sc.RecordToSlot {
		record, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad record key %q: %w", k, err)
		}
		if s.recordToSlot[record] != slot || s.slotToRecord[slot] != record {
			return nil, fmt.Errorf("record %d: directions disagree", record)
		}
	}
	if sc.NextSlot > s.nextSlot {
		s.nextSlot = sc.NextSlot
	}
	return s, nil
}

func writeSidecar(path string, sc *sidecar) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sc); err != nil {
			return fmt.Errorf("encode mapping: %w", err)
		}
		return nil
	})
}

// readSidecar returns os.ErrNotExist (wrapped) when the file is absent.
func readSidecar(path string) (*sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	if sc.SlotToRecord == nil {
		sc.SlotToRecord = map[string]int64{}
	}
	if sc.RecordToSlot == nil {
		sc.RecordToSlot = map[string]int64{}
	}
	return &sc, nil
}
