package endpoint

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

var cachedPrefixString = ""

func timeToUnix(t time.Time) int64 {
	return int64(t.Sub(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)).Seconds())
}

// getBoottimeWithRaceCondition has a race condition between the reading of
// /proc/uptime and the call to time.Now(). If, between those two syscalls, we
// cross a second-granularity time boundary, then the result will be off by one.
// It seems safe to assume, however, that this race condition won't happen twice
// in quick succession, so the recommended way to use this function is to call
// it multiple times until it returns the same answer twice.
func getBoottimeWithRaceCondition() (int64, error) {
	procuptime, err := ioutil.ReadFile("/proc/uptime")
	if err != nil {
		return -1, err
	}
	times := strings.Split(string(procuptime), " ")
	if len(times) != 2 {
		return -1, fmt.Errorf("could not split /proc/uptime into two parts")
	}
	uptime, err := strconv.ParseFloat(times[0], 64)
	if err != nil {
		return -1, err
	}
	return timeToUnix(time.Now().Add(time.Duration(-1 * uptime * float64(time.Second)))), nil
}

func getBoottime() (int64, error) {
	// Call the function with the race condition repeatedly until it returns
	// the same answer twice.
	var prev, curr int64
	curr, err := getBoottimeWithRaceCondition()
	if err != nil {
		return curr, err
	}
	for prev != curr {
		prev = curr
		curr, err = getBoottimeWithRaceCondition()
		if err != nil {
			return curr, err
		}
	}
	return curr, nil
}

func getPrefix() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", err
	}
	boottime, err := getBoottime()
	if err != nil {
		// No /proc/uptime (non-Linux): fall back to process start.
		boottime = timeToUnix(time.Now())
	}
	return fmt.Sprintf("%s_%d", hostname, boottime), nil
}

func getCachedPrefix() string {
	if cachedPrefixString == "" {
		var err error
		cachedPrefixString, err = getPrefix()
		if err != nil {
			log.Println("could not build UUID prefix:", err)
			cachedPrefixString = "unknown_0"
		}
	}
	return cachedPrefixString
}

// connUUID returns an identifier for a connection:
// "<hostname>_<boottime>_<cid>".  It names trace files and event feed
// entries.  The boot time in the prefix separates host reboots; CIDs are
// reused once freed, so a later connection (or a restarted endpoint) that
// gets the same CID within one boot gets the same UUID.
func connUUID(cid uint32) string {
	return fmt.Sprintf("%s_%08X", getCachedPrefix(), cid)
}
