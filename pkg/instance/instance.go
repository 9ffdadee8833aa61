package instance

import (
	"fmt"
	"os"
	"sync"

	"github.com/angelmondragon/voucherz-backend/pkg/env"
)

var (
	once sync.Once
	id   string
)

// GetID identifies this process in job leases and logs. VOUCHERZ_WORKER_ID
// wins; otherwise the hostname and pid are used so replicas never collide.
func GetID() string {
	once.Do(func() {
		id = env.Get("WORKER_ID", "")
		if id != "" {
			return
		}
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	})
	return id
}
