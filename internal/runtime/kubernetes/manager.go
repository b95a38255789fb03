// Package kubernetes runs applications as a Deployment plus Service in a cluster.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/pointer"

	"github.com/splax/localvercel/internal/runtime"
)

const (
	appLabel     = "paas.dev/app-id"
	taskLabel    = "paas.dev/task-id"
	servicePort  = 80
	pollInterval = 2 * time.Second
)

// Strategy schedules applications through the Kubernetes API.
type Strategy struct {
	client           kubernetes.Interface
	namespace        string
	serviceDomain    string
	logger           *slog.Logger
	readinessTimeout time.Duration
	pollInterval     time.Duration
}

var _ runtime.Strategy = (*Strategy)(nil)

// New creates a Kubernetes-backed strategy. It prefers in-cluster configuration
// and falls back to KUBECONFIG when running locally.
func New(namespace, serviceDomain string, readinessTimeout time.Duration, log *slog.Logger) (*Strategy, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, namespace, serviceDomain, readinessTimeout, log), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, namespace, serviceDomain string, readinessTimeout time.Duration, log *slog.Logger) *Strategy {
	if readinessTimeout <= 0 {
		readinessTimeout = 2 * time.Minute
	}
	if namespace == "" {
		namespace = "paas"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Strategy{
		client:           client,
		namespace:        namespace,
		serviceDomain:    strings.TrimSuffix(serviceDomain, "."),
		logger:           log,
		readinessTimeout: readinessTimeout,
		pollInterval:     pollInterval,
	}
}

// DeployApplication applies the Deployment and Service and waits until the
// requested number of replicas is ready.
func (s *Strategy) DeployApplication(ctx context.Context, spec runtime.AppSpec) (runtime.Deployment, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return runtime.Deployment{}, err
	}
	name := resourceName(spec.AppID)
	labels := map[string]string{
		appLabel:                      name,
		"app.kubernetes.io/name":      name,
		"app.kubernetes.io/component": "app",
		"app.kubernetes.io/part-of":   "paas",
	}
	podLabels := copyLabels(labels)
	if spec.TaskID != "" {
		podLabels[taskLabel] = labelValue(spec.TaskID)
	}
	replicas := int32(spec.Instances)
	uid := int64(runtime.RunUID(spec.AppID))

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: pointer.Int32(1),
			Selector:             &metav1.LabelSelector{MatchLabels: map[string]string{appLabel: name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:    &uid,
						RunAsGroup:   &uid,
						RunAsNonRoot: pointer.Bool(true),
					},
					Containers: []corev1.Container{appContainer(spec)},
				},
			},
		},
	}
	if err := s.applyDeployment(ctx, deployment); err != nil {
		return runtime.Deployment{}, err
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{appLabel: name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       servicePort,
				TargetPort: intstr.FromInt(spec.Port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	if err := s.applyService(ctx, svc); err != nil {
		return runtime.Deployment{}, err
	}

	if err := s.waitForReplicas(ctx, name, spec.Instances); err != nil {
		return runtime.Deployment{}, err
	}
	s.logger.Info("application deployed to cluster", "app_id", spec.AppID, "deployment", name, "replicas", spec.Instances)
	return s.result(spec.AppID, name, spec.Instances), nil
}

// ScaleApplication changes the replica count of an existing Deployment.
func (s *Strategy) ScaleApplication(ctx context.Context, spec runtime.AppSpec) (runtime.Deployment, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return runtime.Deployment{}, err
	}
	name := resourceName(spec.AppID)
	deployments := s.client.AppsV1().Deployments(s.namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		return s.DeployApplication(ctx, spec)
	}
	if err != nil {
		return runtime.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	current := 0
	if existing.Spec.Replicas != nil {
		current = int(*existing.Spec.Replicas)
	}
	replicas := int32(spec.Instances)
	existing.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return runtime.Deployment{}, fmt.Errorf("update deployment: %w", err)
	}
	if err := s.waitForReplicas(ctx, name, spec.Instances); err != nil {
		return runtime.Deployment{}, err
	}
	result := s.result(spec.AppID, name, spec.Instances)
	result.Created = max(0, spec.Instances-current)
	result.Removed = max(0, current-spec.Instances)
	return result, nil
}

// RemoveApplication deletes the Deployment and Service of the application.
func (s *Strategy) RemoveApplication(ctx context.Context, appID string) error {
	name := resourceName(appID)
	if name == "" {
		return fmt.Errorf("app id required")
	}
	if err := s.client.AppsV1().Deployments(s.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := s.client.CoreV1().Services(s.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func (s *Strategy) result(appID, name string, replicas int) runtime.Deployment {
	// The cluster balances replicas behind one service address, so the route
	// carries a single upstream.
	dep := runtime.Deployment{
		AppID:     appID,
		Network:   s.namespace,
		RunUser:   runtime.RunUser(appID),
		Host:      s.serviceHost(name),
		Created:   replicas,
		StartedAt: time.Now().UTC(),
	}
	if replicas > 0 {
		dep.Instances = []runtime.Instance{{Index: 0, Name: name, HostPort: servicePort}}
	}
	return dep
}

func (s *Strategy) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := s.client.AppsV1().Deployments(s.namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (s *Strategy) applyService(ctx context.Context, desired *corev1.Service) error {
	services := s.client.CoreV1().Services(s.namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, getErr := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get service: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

func (s *Strategy) waitForReplicas(ctx context.Context, name string, want int) error {
	if want == 0 {
		return nil
	}
	selector := fmt.Sprintf("%s=%s", appLabel, name)
	return wait.PollUntilContextTimeout(ctx, s.pollInterval, s.readinessTimeout, true, func(ctx context.Context) (bool, error) {
		pods, err := s.client.CoreV1().Pods(s.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, err
		}
		ready := 0
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.Status.Phase == corev1.PodFailed {
				msg := pod.Status.Message
				if msg == "" {
					msg = containerMessage(pod.Status.ContainerStatuses)
				}
				return false, fmt.Errorf("pod %s failed: %s", pod.Name, msg)
			}
			if pod.Status.Phase == corev1.PodRunning && isPodReady(pod) {
				ready++
			}
		}
		return ready >= want, nil
	})
}

func (s *Strategy) serviceHost(name string) string {
	if s.serviceDomain != "" {
		return fmt.Sprintf("%s.%s.%s", name, s.namespace, s.serviceDomain)
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", name, s.namespace)
}

func appContainer(spec runtime.AppSpec) corev1.Container {
	env := spec.ContainerEnv()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, corev1.EnvVar{Name: k, Value: env[k]})
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("500m"),
		corev1.ResourceMemory: resource.MustParse("512Mi"),
	}
	if spec.Resources.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = resource.MustParse(strconv.Itoa(spec.Resources.MemoryMB) + "Mi")
	}
	if spec.Resources.CPUs > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(spec.Resources.CPUs*1000), resource.DecimalSI)
	}
	probe := func(delay int32) *corev1.Probe {
		return &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt(spec.Port)},
			},
			InitialDelaySeconds: delay,
			PeriodSeconds:       10,
			FailureThreshold:    6,
		}
	}
	c := corev1.Container{
		Name:  "app",
		Image: spec.Image,
		Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: int32(spec.Port)}},
		Env:   vars,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
			Limits: limits,
		},
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: pointer.Bool(false),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
		ReadinessProbe: probe(5),
		LivenessProbe:  probe(20),
	}
	if len(spec.Command) > 0 {
		c.Command = []string{spec.Command[0]}
		if len(spec.Command) > 1 {
			c.Args = spec.Command[1:]
		}
	}
	return c
}

func resourceName(appID string) string {
	trimmed := strings.ToLower(strings.TrimSpace(appID))
	if trimmed == "" {
		return ""
	}
	alnum := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			alnum = append(alnum, r)
		}
	}
	value := strings.Trim(string(alnum), "-")
	if len(value) > 40 {
		value = strings.TrimRight(value[:40], "-")
	}
	if value == "" {
		value = "app"
	}
	return "paas-" + value
}

func labelValue(v string) string {
	if len(v) > 63 {
		v = v[:63]
	}
	return strings.Trim(v, "-_.")
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func containerMessage(statuses []corev1.ContainerStatus) string {
	for _, s := range statuses {
		if s.State.Waiting != nil && s.State.Waiting.Message != "" {
			return s.State.Waiting.Message
		}
		if s.State.Terminated != nil && s.State.Terminated.Message != "" {
			return s.State.Terminated.Message
		}
	}
	return ""
}
