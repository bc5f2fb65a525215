// File: internal/descriptor/descriptor.go
// Package descriptor
// License: Apache-2.0
//
// AFU descriptor register store. Fields are loaded from a config file and
// packed into the registers a PSL reads at 0x00, 0x20..0x48.

package descriptor

import (
	"log"

	"github.com/helenaps/pslse/afu"
	"github.com/helenaps/pslse/api"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Programming models carried in reg_prog_model.
const (
	ProgModelMask      uint16 = 0x7FFF
	ProgModelDedicated uint16 = 0x0010
	ProgModelDirected  uint16 = 0x0004
)

// PSARequired is the PerProcessPSA control bit that enables MMIO mapping.
const PSARequired uint8 = 0x01

// MaxInterrupts bounds the interrupts shared by all processes.
const MaxInterrupts = 2037

// Fields are the descriptor values as written in a config file.
type Fields struct {
	NumIntsPerProcess    uint16 `mapstructure:"num_ints_per_process"`
	NumOfProcesses       uint16 `mapstructure:"num_of_processes"`
	NumOfAFUCRs          uint16 `mapstructure:"num_of_afu_crs"`
	RegProgModel         uint16 `mapstructure:"reg_prog_model"`
	AFUCRLen             uint64 `mapstructure:"afu_cr_len"`
	AFUCROffset          uint64 `mapstructure:"afu_cr_offset"`
	PerProcessPSAControl uint8  `mapstructure:"per_process_psa_control"`
	PerProcessPSALength  uint64 `mapstructure:"per_process_psa_length"`
	PerProcessPSAOffset  uint64 `mapstructure:"per_process_psa_offset"`
	AFUEBLen             uint64 `mapstructure:"afu_eb_len"`
	AFUEBOffset          uint64 `mapstructure:"afu_eb_offset"`
}

const mask56 = 0x00FFFFFFFFFFFFFF

// Store holds the packed descriptor registers.
type Store struct {
	fields Fields
	regs   [10]uint64 // indexed by byte offset / 8
}

var _ api.Descriptor = (*Store)(nil)

// New packs f into a store.
func New(f Fields) *Store {
	s := &Store{fields: f}
	s.regs[0x00>>3] = uint64(f.NumIntsPerProcess)<<48 |
		uint64(f.NumOfProcesses)<<32 |
		uint64(f.NumOfAFUCRs)<<16 |
		uint64(f.RegProgModel)
	s.regs[0x20>>3] = f.AFUCRLen & mask56
	s.regs[0x28>>3] = f.AFUCROffset
	s.regs[0x30>>3] = uint64(f.PerProcessPSAControl)<<56 | f.PerProcessPSALength&mask56
	s.regs[0x38>>3] = f.PerProcessPSAOffset
	s.regs[0x40>>3] = f.AFUEBLen & mask56
	s.regs[0x48>>3] = f.AFUEBOffset
	return s
}

// Default is a dedicated-process accelerator with one process, one
// interrupt and a required problem state area.
func Default() Fields {
	return Fields{
		NumIntsPerProcess:    1,
		NumOfProcesses:       1,
		RegProgModel:         ProgModelDedicated,
		PerProcessPSAControl: PSARequired,
		PerProcessPSALength:  0x400,
	}
}

// Load reads descriptor fields from path. Missing fields keep the values of
// Default.
func Load(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)

	d := Default()
	v.SetDefault("num_ints_per_process", d.NumIntsPerProcess)
	v.SetDefault("num_of_processes", d.NumOfProcesses)
	v.SetDefault("num_of_afu_crs", d.NumOfAFUCRs)
	v.SetDefault("reg_prog_model", d.RegProgModel)
	v.SetDefault("per_process_psa_control", d.PerProcessPSAControl)
	v.SetDefault("per_process_psa_length", d.PerProcessPSALength)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read descriptor %s", path)
	}
	var f Fields
	if err := v.Unmarshal(&f); err != nil {
		return nil, errors.Wrapf(err, "decode descriptor %s", path)
	}
	if f.NumOfProcesses == 0 {
		return nil, errors.Errorf("descriptor %s: num_of_processes is 0", path)
	}
	log.Printf("[descriptor] loaded %s: model 0x%04x, %d processes", path, f.RegProgModel, f.NumOfProcesses)
	return New(f), nil
}

// Register returns the register at word address addr.
func (s *Store) Register(addr uint32, double bool) uint64 {
	idx := int(addr >> 1)
	if idx >= len(s.regs) {
		return 0
	}
	return afu.HalfSelect(s.regs[idx], addr, double)
}

// Fields returns the unpacked values.
func (s *Store) Fields() Fields { return s.fields }

// ProgModel returns the programming model bits.
func (s *Store) ProgModel() uint16 { return s.fields.RegProgModel & ProgModelMask }

func (s *Store) IsDedicated() bool { return s.ProgModel()&ProgModelDedicated != 0 }
func (s *Store) IsDirected() bool  { return s.ProgModel()&ProgModelDirected != 0 }

// PSARequired reports whether the problem state area may be mapped.
func (s *Store) PSARequired() bool {
	return s.fields.PerProcessPSAControl&PSARequired != 0
}

// IRQBounds returns the minimum and maximum interrupts a process may request.
func (s *Store) IRQBounds() (uint16, uint16) {
	procs := s.fields.NumOfProcesses
	if procs == 0 {
		procs = 1
	}
	return s.fields.NumIntsPerProcess, uint16(MaxInterrupts / int(procs))
}
