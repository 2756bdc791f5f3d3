package rescache

import (
	"fmt"
	"strconv"

	"github.com/meigma/rescache/vfs"
)

// ControlPageFlags queries resource page flags. Its data is a *PageFlagsRequest.
const ControlPageFlags vfs.ControlCode = 0x20001

// Extension data keys read by ControlPageFlags.
const (
	ExtVersion       = "rscVersion"
	ExtPagesVirtual  = "rscPagesVirtual"
	ExtPagesPhysical = "rscPagesPhysical"
)

// PageFlags are the virtual and physical page flags of a resource file.
type PageFlags struct {
	Virtual  uint32
	Physical uint32
}

// PageFlagsRequest is the in/out argument of ControlPageFlags. Name is the
// logical path to query; Version and Flags are filled in.
type PageFlagsRequest struct {
	Name    string
	Version int
	Flags   PageFlags
}

// ExtensionControl runs a device control. Only ControlPageFlags is
// supported; it answers from manifest data without fetching anything.
// Missing extension fields read as 0.
func (d *Device) ExtensionControl(code vfs.ControlCode, data any) error {
	if code != ControlPageFlags {
		return fmt.Errorf("control %#x: %w", uint32(code), ErrUnsupported)
	}
	req, ok := data.(*PageFlagsRequest)
	if !ok || req == nil {
		return fmt.Errorf("control %#x: data is %T, want *PageFlagsRequest: %w", uint32(code), data, ErrUnsupported)
	}
	entry, err := d.resolve(req.Name)
	if err != nil {
		return err
	}

	version, err := extInt(entry.ExtData, ExtVersion)
	if err != nil {
		return err
	}
	virtual, err := extUint32(entry.ExtData, ExtPagesVirtual)
	if err != nil {
		return err
	}
	physical, err := extUint32(entry.ExtData, ExtPagesPhysical)
	if err != nil {
		return err
	}

	req.Version = version
	req.Flags = PageFlags{Virtual: virtual, Physical: physical}
	return nil
}

func extInt(ext map[string]string, key string) (int, error) {
	raw, ok := ext[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, ErrInvalidExtData)
	}
	return v, nil
}

func extUint32(ext map[string]string, key string) (uint32, error) {
	raw, ok := ext[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, ErrInvalidExtData)
	}
	return uint32(v), nil
}
