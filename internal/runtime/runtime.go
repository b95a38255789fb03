package runtime

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// LabelApp marks every container belonging to an application.
	LabelApp = "paas.app"
	// LabelTask records the task that created a container.
	LabelTask = "paas.task"
	// LabelIndex records the instance index of a container.
	LabelIndex = "paas.index"

	namePrefix  = "paas-"
	uidBase     = 10000
	uidSpan     = 50000
	defaultPort = 3000
)

var unsafeName = regexp.MustCompile(`[^a-z0-9_.-]+`)

// Resources are per-instance limits.
type Resources struct {
	MemoryMB int
	CPUs     float64
}

// AppSpec is the desired runtime shape of an application.
type AppSpec struct {
	AppID     string
	TaskID    string
	Image     string
	Env       map[string]string
	Port      int
	Instances int
	Resources Resources
	Command   []string
}

// Instance is one running copy of an application.
type Instance struct {
	Index    int
	Name     string
	HostPort int
}

// Deployment describes what is running after a strategy call.
type Deployment struct {
	AppID     string
	Network   string
	RunUser   string
	Instances []Instance
	// Host is set when instances are reached through a shared service address
	// instead of per-instance host ports on this node.
	Host      string
	Created   int
	Removed   int
	StartedAt time.Time
}

// HostPorts lists the published ports of every instance in index order.
func (d Deployment) HostPorts() []int {
	ports := make([]int, 0, len(d.Instances))
	for _, inst := range d.Instances {
		ports = append(ports, inst.HostPort)
	}
	return ports
}

// Strategy runs applications. The direct variant manages containers on this
// node; the Kubernetes variant delegates scheduling to a cluster.
type Strategy interface {
	DeployApplication(ctx context.Context, spec AppSpec) (Deployment, error)
	ScaleApplication(ctx context.Context, spec AppSpec) (Deployment, error)
	RemoveApplication(ctx context.Context, appID string) error
}

// Addressing derives names and ports from an application id alone, so redeploys,
// restarts and scale operations of one application never need a coordinator.
//
// Ports are taken from PortSlots hash buckets of MaxInstances ports each. Two
// different applications whose ids land in the same bucket get the same ports;
// nothing here detects that.
type Addressing struct {
	PortBase     int
	PortSlots    int
	MaxInstances int
}

// DefaultAddressing matches the agent's default configuration.
var DefaultAddressing = Addressing{PortBase: 20000, PortSlots: 2000, MaxInstances: 16}

// Validate checks that every derived port is usable.
func (a Addressing) Validate() error {
	if a.PortBase <= 0 || a.PortSlots <= 0 || a.MaxInstances <= 0 {
		return fmt.Errorf("port base, slots and max instances must be positive")
	}
	if a.PortBase+a.PortSlots*a.MaxInstances > 65535 {
		return fmt.Errorf("host port range exceeds 65535")
	}
	return nil
}

// Slot is the hash bucket an application's ports live in.
func (a Addressing) Slot(appID string) int {
	return int(hash(appID) % uint32(a.PortSlots))
}

// HostPort is the published port of instance index of appID.
func (a Addressing) HostPort(appID string, index int) int {
	return a.PortBase + a.Slot(appID)*a.MaxInstances + index
}

// HostPorts returns the ports of instances 0..n-1.
func (a Addressing) HostPorts(appID string, n int) []int {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ports = append(ports, a.HostPort(appID, i))
	}
	return ports
}

// CheckInstances rejects instance counts the port layout cannot hold.
func (a Addressing) CheckInstances(n int) error {
	if n < 0 {
		return fmt.Errorf("instance count cannot be negative")
	}
	if n > a.MaxInstances {
		return fmt.Errorf("instance count %d exceeds maximum %d", n, a.MaxInstances)
	}
	return nil
}

// Instance returns the addressed instance at index.
func (a Addressing) Instance(appID string, index int) Instance {
	return Instance{Index: index, Name: ContainerName(appID, index), HostPort: a.HostPort(appID, index)}
}

// ContainerName is the deterministic container name of instance index.
func ContainerName(appID string, index int) string {
	return namePrefix + sanitize(appID) + "-" + strconv.Itoa(index)
}

// InstanceIndex parses the index back out of a container name of appID.
func InstanceIndex(appID, name string) (int, bool) {
	prefix := namePrefix + sanitize(appID) + "-"
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// NetworkName is the isolated network of an application.
func NetworkName(appID string) string {
	return namePrefix + sanitize(appID)
}

// RunUID is the non-root uid containers of appID run as.
func RunUID(appID string) int {
	return uidBase + int(hash(appID)%uidSpan)
}

// RunUser formats RunUID as a uid:gid pair.
func RunUser(appID string) string {
	uid := strconv.Itoa(RunUID(appID))
	return uid + ":" + uid
}

// Normalize fills defaults and validates the spec.
func (s AppSpec) Normalize() (AppSpec, error) {
	s.AppID = strings.TrimSpace(s.AppID)
	if s.AppID == "" {
		return s, fmt.Errorf("app id required")
	}
	if sanitize(s.AppID) == "" {
		return s, fmt.Errorf("app id %q has no usable characters", s.AppID)
	}
	if strings.TrimSpace(s.Image) == "" {
		return s, fmt.Errorf("image required")
	}
	if s.Port <= 0 {
		s.Port = defaultPort
	}
	if s.Instances < 0 {
		return s, fmt.Errorf("instance count cannot be negative")
	}
	return s, nil
}

// ContainerEnv is the environment every instance receives.
func (s AppSpec) ContainerEnv() map[string]string {
	env := make(map[string]string, len(s.Env)+1)
	for k, v := range s.Env {
		env[k] = v
	}
	env["PORT"] = strconv.Itoa(s.Port)
	return env
}

// SortInstances orders instances by index.
func SortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].Index < instances[j].Index })
}

func sanitize(appID string) string {
	return strings.Trim(unsafeName.ReplaceAllString(strings.ToLower(strings.TrimSpace(appID)), "-"), "-.")
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
