// Package layout computes the partition layout shared by every selected
// disk. It does no I/O: the same plan drives partitioning, the reclaim
// after the OS transplant and the "plan" dry run.
package layout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

const (
	EFIPartitionMiB         int64 = 512
	DefaultBootPartitionMiB int64 = 2048
	TemporaryVolumeGiB      int64 = 12

	// AlignmentMiB is left free before the first partition, GPTTailMiB at
	// the end of the disk for the backup partition table
	AlignmentMiB int64 = 1
	GPTTailMiB   int64 = 1

	mibPerGiB int64 = 1024
)

// GPT partition type codes, as understood by sgdisk
const (
	TypeEFI       = "EF00"
	TypeBootPool  = "BF07"
	TypeRootPool  = "BF01"
	TypeLinuxData = "8300"
)

const (
	EFIPartition  = 1
	BootPartition = 2
	RootPartition = 3
	TempPartition = 4
)

type Region struct {
	Number   int
	Name     string
	StartMiB int64
	// SizeMiB is 0 for a region extending to the end of the disk
	SizeMiB  int64
	TypeCode string
}

func (r Region) EndMiB() int64 {
	return r.StartMiB + r.SizeMiB
}

type DiskSize struct {
	ID      string
	SizeMiB int64
}

type DiskLayout struct {
	Disk       string
	SizeMiB    int64
	Partitions [4]Region
}

// Request describes the disks and the space reservations of a run
type Request struct {
	Disks   []DiskSize
	BootMiB int64
	// TailMiB is permanently left unpartitioned for the operator
	TailMiB int64
	// TempMiB is the temporary installer volume, 0 means the default size
	TempMiB int64
}

type Plan struct {
	EFIMiB  int64
	BootMiB int64
	RootMiB int64
	TailMiB int64
	TempMiB int64
	// ReservedMiB is what partition 4 covers on the smallest disk: the larger
	// of the tail reservation and the temporary volume
	ReservedMiB int64
	// SmallestMiB is the size all layouts are computed against
	SmallestMiB int64

	Disks []DiskLayout
}

var ErrDiskTooSmall = errors.New("disk too small for the requested layout")

// Compute lays out four partitions per disk. Partitions 1-3 are sized on the
// smallest disk and thus identical everywhere, partition 4 takes whatever is
// left on each disk.
func Compute(req Request) (Plan, error) {
	if len(req.Disks) == 0 {
		return Plan{}, errors.New("no disks selected")
	}
	if req.TailMiB < 0 {
		return Plan{}, fmt.Errorf("invalid tail space %d MiB", req.TailMiB)
	}

	plan := Plan{
		EFIMiB:  EFIPartitionMiB,
		BootMiB: req.BootMiB,
		TailMiB: req.TailMiB,
		TempMiB: req.TempMiB,
	}
	if plan.BootMiB <= 0 {
		plan.BootMiB = DefaultBootPartitionMiB
	}
	if plan.TempMiB <= 0 {
		plan.TempMiB = TemporaryVolumeGiB * mibPerGiB
	}
	plan.ReservedMiB = max(plan.TailMiB, plan.TempMiB)

	plan.SmallestMiB = req.Disks[0].SizeMiB
	for _, d := range req.Disks[1:] {
		plan.SmallestMiB = min(plan.SmallestMiB, d.SizeMiB)
	}

	plan.RootMiB = plan.SmallestMiB - AlignmentMiB - GPTTailMiB - plan.EFIMiB - plan.BootMiB - plan.ReservedMiB
	if plan.RootMiB <= 0 {
		return Plan{}, fmt.Errorf("%w: smallest disk is %s, at least %s are needed", ErrDiskTooSmall,
			units.BytesSize(float64(plan.SmallestMiB*units.MiB)),
			units.BytesSize(float64((plan.SmallestMiB-plan.RootMiB+1)*units.MiB)))
	}

	for _, d := range req.Disks {
		efi := Region{EFIPartition, "EFI", AlignmentMiB, plan.EFIMiB, TypeEFI}
		boot := Region{BootPartition, "bpool", efi.EndMiB(), plan.BootMiB, TypeBootPool}
		root := Region{RootPartition, "rpool", boot.EndMiB(), plan.RootMiB, TypeRootPool}
		temp := Region{TempPartition, "temp", root.EndMiB(), 0, TypeLinuxData}

		plan.Disks = append(plan.Disks, DiskLayout{
			Disk:       d.ID,
			SizeMiB:    d.SizeMiB,
			Partitions: [4]Region{efi, boot, root, temp},
		})
	}

	return plan, nil
}

// Reclaim describes what happens to partition 4 once the OS is transplanted
type Reclaim struct {
	// Needed is false when the tail reservation already covers the
	// temporary volume: partition 4 is wiped and kept
	Needed     bool
	RootMiB    int64
	RootEndMiB int64
}

func (p Plan) Reclaim() Reclaim {
	if p.TailMiB >= p.TempMiB {
		return Reclaim{
			RootMiB:    p.RootMiB,
			RootEndMiB: p.rootStart() + p.RootMiB,
		}
	}

	root := p.SmallestMiB - AlignmentMiB - GPTTailMiB - p.EFIMiB - p.BootMiB - p.TailMiB
	return Reclaim{
		Needed:     true,
		RootMiB:    root,
		RootEndMiB: p.rootStart() + root,
	}
}

func (p Plan) rootStart() int64 {
	return AlignmentMiB + p.EFIMiB + p.BootMiB
}

// FinalRootMiB is the root pool partition size at the end of the run
func (p Plan) FinalRootMiB() int64 {
	return p.Reclaim().RootMiB
}

func (p Plan) String() string {
	var b strings.Builder
	mib := func(v int64) string { return units.BytesSize(float64(v * units.MiB)) }

	fmt.Fprintf(&b, "EFI %s, boot pool %s, root pool %s (after reclaim %s)\n",
		mib(p.EFIMiB), mib(p.BootMiB), mib(p.RootMiB), mib(p.FinalRootMiB()))
	fmt.Fprintf(&b, "reserved tail %s, temporary volume %s\n", mib(p.TailMiB), mib(p.TempMiB))
	for _, d := range p.Disks {
		fmt.Fprintf(&b, "%s (%s)\n", d.Disk, mib(d.SizeMiB))
		for _, r := range d.Partitions {
			size := "rest"
			if r.SizeMiB > 0 {
				size = fmt.Sprintf("%d MiB", r.SizeMiB)
			}
			fmt.Fprintf(&b, "  %d %-5s start %d MiB size %s type %s\n", r.Number, r.Name, r.StartMiB, size, r.TypeCode)
		}
	}
	return b.String()
}
