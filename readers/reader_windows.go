package readers

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/aarsakian/MediaImageForensics/errno"
	"github.com/aarsakian/MediaImageForensics/logger"
)

const (
	devicePrefix    = `\\.\PHYSICALDRIVE`
	deviceAlignment = 512
	chunkSize       = 4 * 1024 * 1024
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procSetFilePointerEx = kernel32.NewProc("SetFilePointerEx")
)

func init() {
	Drivers = append([]FilterDriver{PhysicalDriveDriver{}}, Drivers...)
}

type DISK_GEOMETRY struct {
	Cylinders         int64
	MediaType         int32
	TracksPerCylinder int32
	SectorsPerTrack   int32
	BytesPerSector    int32
}

// PhysicalDriveDriver opens \\.\PHYSICALDRIVEn devices read only.
type PhysicalDriveDriver struct{}

func (PhysicalDriveDriver) Name() string {
	return "physical drive"
}

func (PhysicalDriveDriver) Identify(path string) bool {
	return strings.HasPrefix(strings.ToUpper(path), devicePrefix)
}

func (PhysicalDriveDriver) Open(path string) (Filter, error) {
	namePtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	var templateHandle windows.Handle
	fd, err := windows.CreateFile(namePtr, windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil,
		windows.OPEN_EXISTING, windows.FILE_FLAG_SEQUENTIAL_SCAN, templateHandle)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	drive := &driveReader{fd: fd}
	size, err := drive.diskSize()
	if err != nil {
		windows.Close(fd)
		return nil, err
	}
	now := time.Now()
	return &DriveFilter{
		fileTimes: fileTimes{path: path, created: now, modified: now},
		drive:     drive,
		stream:    io.NewSectionReader(drive, 0, size),
		size:      size,
	}, nil
}

// driveReader serialises positioned reads on a device handle. Devices only
// accept sector aligned transfers.
type driveReader struct {
	mu sync.Mutex
	fd windows.Handle
}

func (drive *driveReader) diskSize() (int64, error) {
	const IOCTL_DISK_GET_DRIVE_GEOMETRY = 0x70000
	geometry := DISK_GEOMETRY{}
	var returned uint32
	err := windows.DeviceIoControl(drive.fd, IOCTL_DISK_GET_DRIVE_GEOMETRY,
		nil, 0, (*byte)(unsafe.Pointer(&geometry)), uint32(unsafe.Sizeof(geometry)), &returned, nil)
	if err != nil {
		return 0, fmt.Errorf("drive geometry: %w", err)
	}
	return geometry.Cylinders * int64(geometry.TracksPerCylinder) *
		int64(geometry.SectorsPerTrack) * int64(geometry.BytesPerSector), nil
}

func (drive *driveReader) ReadAt(p []byte, off int64) (int, error) {
	drive.mu.Lock()
	defer drive.mu.Unlock()
	start := off / deviceAlignment * deviceAlignment
	end := (off + int64(len(p)) + deviceAlignment - 1) / deviceAlignment * deviceAlignment
	copied := 0
	buffer := make([]byte, min(end-start, chunkSize))
	for pos := start; pos < end && copied < len(p); {
		if err := setFilePointerEx(drive.fd, pos, windows.FILE_BEGIN); err != nil {
			return copied, errno.Errorf(errno.InOutError, "seek to %d: %v", pos, err)
		}
		toRead := min(end-pos, int64(len(buffer)))
		var bytesRead uint32
		if err := windows.ReadFile(drive.fd, buffer[:toRead], &bytesRead, nil); err != nil {
			logger.MILogger.Error(fmt.Sprintf("read failed at offset %d: %v", pos, err))
			return copied, errno.Errorf(errno.InOutError, "read at %d: %v", pos, err)
		}
		if bytesRead == 0 {
			return copied, io.EOF
		}
		chunk := buffer[:bytesRead]
		if skip := off + int64(copied) - pos; skip > 0 {
			chunk = chunk[skip:]
		}
		copied += copy(p[copied:], chunk)
		pos += int64(bytesRead)
	}
	return copied, nil
}

func setFilePointerEx(handle windows.Handle, distance int64, moveMethod uint32) error {
	var newPos int64
	r1, _, err := procSetFilePointerEx.Call(
		uintptr(handle),
		uintptr(distance),
		uintptr(unsafe.Pointer(&newPos)),
		uintptr(moveMethod),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

type DriveFilter struct {
	fileTimes
	drive  *driveReader
	stream *io.SectionReader
	size   int64
}

func (filter *DriveFilter) Name() string {
	return "physical drive"
}

func (filter *DriveFilter) DataStream() Stream {
	return filter.stream
}

func (filter *DriveFilter) ResourceStream() Stream {
	return nil
}

func (filter *DriveFilter) Length() int64 {
	return filter.size
}

func (filter *DriveFilter) ResourceLength() int64 {
	return 0
}

func (filter *DriveFilter) Close() error {
	return windows.Close(filter.drive.fd)
}
