package condition

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Facts are the runtime values a condition can observe. Names follow the
// conventions of Python's platform module so existing condition tables keep
// working: system() is "Linux", machine() is "x86_64", and so on.
type Facts struct {
	System       string
	Machine      string
	Architecture string
	Linkage      string
	LookupEnv    func(string) (string, bool)
}

// HostFacts describes the machine perfx is running on.
func HostFacts() Facts {
	return Facts{
		System:       systemName(runtime.GOOS),
		Machine:      machineName(runtime.GOOS, runtime.GOARCH),
		Architecture: strconv.Itoa(32<<(^uint(0)>>63)) + "bit",
		Linkage:      linkageName(runtime.GOOS),
		LookupEnv:    os.LookupEnv,
	}
}

func systemName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin", "ios":
		return "Darwin"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	case "openbsd":
		return "OpenBSD"
	case "netbsd":
		return "NetBSD"
	default:
		if goos == "" {
			return ""
		}
		return strings.ToUpper(goos[:1]) + goos[1:]
	}
}

func machineName(goos, goarch string) string {
	switch goarch {
	case "amd64":
		if goos == "windows" {
			return "AMD64"
		}
		return "x86_64"
	case "386":
		return "i386"
	case "arm64":
		if goos == "linux" {
			return "aarch64"
		}
		return "arm64"
	case "arm":
		return "armv7l"
	default:
		return goarch
	}
}

func linkageName(goos string) string {
	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return "ELF"
	case "windows":
		return "WindowsPE"
	default:
		return ""
	}
}
