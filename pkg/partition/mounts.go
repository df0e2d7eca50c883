package partition

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/benmeehan/display-ota/internal/models"
)

// MountsFile is read to find the root filesystem device.
var MountsFile = "/proc/mounts"

// DetectRunning returns the label whose device (path or PARTUUID) is mounted at
// "/". It returns "" when no slot matches, e.g. on a development host.
func DetectRunning(slots []Slot) (string, error) {
	f, err := os.Open(MountsFile)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", MountsFile, err)
	}
	defer f.Close()

	mounts, err := parseMounts(f)
	if err != nil {
		return "", err
	}

	uuids, err := partUUIDs()
	if err != nil {
		uuids = map[string]string{}
	}
	for i := range mounts {
		mounts[i].PARTUUID = uuids[mounts[i].Device]
	}

	return matchRoot(mounts, slots), nil
}

func matchRoot(mounts []models.Partition, slots []Slot) string {
	for _, m := range mounts {
		if m.MountPoint != "/" {
			continue
		}
		for _, s := range slots {
			if s.Path == m.Device || (m.PARTUUID != "" && s.Path == "PARTUUID="+m.PARTUUID) {
				return s.Label
			}
		}
	}
	return ""
}

// parseMounts keeps block-device entries from a mounts table.
func parseMounts(r io.Reader) ([]models.Partition, error) {
	var partitions []models.Partition
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], "/dev/") {
			partitions = append(partitions, models.Partition{
				Device:     fields[0],
				MountPoint: fields[1],
			})
		}
	}
	return partitions, scanner.Err()
}

// partUUIDs maps block devices to their PARTUUID using blkid.
func partUUIDs() (map[string]string, error) {
	output, err := exec.Command("blkid", "-s", "PARTUUID").Output()
	if err != nil {
		return nil, fmt.Errorf("blkid not available or failed: %w", err)
	}
	return parseBlkid(string(output)), nil
}

func parseBlkid(output string) map[string]string {
	uuids := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		sections := strings.SplitN(scanner.Text(), ": ", 2)
		if len(sections) != 2 {
			continue
		}
		value := strings.TrimSpace(sections[1])
		if strings.HasPrefix(value, "PARTUUID=") {
			uuids[sections[0]] = strings.Trim(strings.TrimPrefix(value, "PARTUUID="), `"`)
		}
	}
	return uuids
}
