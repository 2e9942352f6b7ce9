package backend

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"mcpforge/pkg/logging"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const k8sSubsystem = "K8sOrchestrator"

// K8sOrchestrator is the cluster-target Backend: it deploys a template as
// a single-replica apps/v1.Deployment plus a v1.Service via a plain
// client-go clientset, imperatively, not through a CRD/reconcile loop.
// Dynamic subnet allocation is container-engine-only: the cluster's CNI
// owns pod networking, so Deploy here never touches AllocateSubnet and
// never sets req.Network.
type K8sOrchestrator struct {
	clientset kubernetes.Interface
	namespace string
}

// NewK8sOrchestrator builds a client-go clientset from the in-cluster
// config when running inside a pod, falling back to kubeconfigPath
// (typically $HOME/.kube/config) otherwise.
func NewK8sOrchestrator(kubeconfigPath, namespace string) (*K8sOrchestrator, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
		if err != nil {
			return nil, backendUnavailableErr(err, "failed to load kubernetes config")
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, backendUnavailableErr(err, "failed to construct kubernetes clientset")
	}
	if namespace == "" {
		namespace = "default"
	}
	return &K8sOrchestrator{clientset: clientset, namespace: namespace}, nil
}

func (k *K8sOrchestrator) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.NewString()
	}
	name := k8sResourceName(req.DeploymentID)

	labelSet := map[string]string{
		LabelTemplate:     req.TemplateID,
		LabelDeploymentID: req.DeploymentID,
		LabelManagedBy:    ManagedByValue,
	}
	createdAt := time.Now().UTC()

	envVars := make([]corev1.EnvVar, 0, len(req.Env))
	for key, val := range req.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: val})
	}

	replicas := int32(1)
	container := corev1.Container{
		Name:    "mcp-server",
		Image:   req.Image,
		Env:     envVars,
		Args:    req.Args,
		Command: nil,
	}
	if req.Port != 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: int32(req.Port)}}
	}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.namespace,
			Labels:    labelSet,
			Annotations: map[string]string{
				LabelCreatedAt: createdAt.Format(time.RFC3339),
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{LabelDeploymentID: req.DeploymentID}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labelSet},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{container}},
			},
		},
	}

	if _, err := k.clientset.AppsV1().Deployments(k.namespace).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return nil, deploymentErr(err, "failed to create deployment").WithContext("image", req.Image)
	}
	logging.Info(k8sSubsystem, "created deployment %s in namespace %s", name, k.namespace)

	hostPort := ""
	if req.Port != 0 {
		svc := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.namespace, Labels: labelSet},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{LabelDeploymentID: req.DeploymentID},
				Ports: []corev1.ServicePort{{
					Port:       int32(req.Port),
					TargetPort: intstr.FromInt(req.Port),
				}},
			},
		}
		if _, err := k.clientset.CoreV1().Services(k.namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
			_ = k.clientset.AppsV1().Deployments(k.namespace).Delete(ctx, name, metav1.DeleteOptions{})
			return nil, deploymentErr(err, "failed to create service").WithContext("port", strconv.Itoa(req.Port))
		}
		hostPort = fmt.Sprintf("%s.%s.svc:%d", name, k.namespace, req.Port)
	}

	return &Deployment{
		ID:         req.DeploymentID,
		TemplateID: req.TemplateID,
		Image:      req.Image,
		Handle:     name,
		HostPort:   hostPort,
		CreatedAt:  createdAt,
		Running:    true,
		Labels:     labelSet,
	}, nil
}

func (k *K8sOrchestrator) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	name := k8sResourceName(deploymentID)
	policy := metav1.DeletePropagationForeground
	err := k.clientset.AppsV1().Deployments(k.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return notFoundErr(deploymentID)
	}
	if err != nil {
		return deploymentErr(err, "failed to delete deployment")
	}
	_ = k.clientset.CoreV1().Services(k.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return nil
}

func (k *K8sOrchestrator) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	selector := labels.Set{LabelManagedBy: ManagedByValue}
	if filter.TemplateID != "" {
		selector[LabelTemplate] = filter.TemplateID
	}
	list, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, backendUnavailableErr(err, "failed to list deployments")
	}

	out := make([]Deployment, 0, len(list.Items))
	for _, item := range list.Items {
		createdAt, _ := time.Parse(time.RFC3339, item.Annotations[LabelCreatedAt])
		out = append(out, Deployment{
			ID:         item.Labels[LabelDeploymentID],
			TemplateID: item.Labels[LabelTemplate],
			Handle:     item.Name,
			CreatedAt:  createdAt,
			Running:    item.Status.ReadyReplicas > 0,
			Labels:     item.Labels,
		})
	}
	return out, nil
}

func (k *K8sOrchestrator) Logs(ctx context.Context, deploymentID string, tail int, follow bool) (io.ReadCloser, error) {
	podName, err := k.podFor(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	opts := &corev1.PodLogOptions{Follow: follow}
	if tail > 0 {
		lines := int64(tail)
		opts.TailLines = &lines
	}
	req := k.clientset.CoreV1().Pods(k.namespace).GetLogs(podName, opts)
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, deploymentErr(err, "failed to open log stream")
	}
	return stream, nil
}

// Exec is not implemented for the orchestrator backend: executing inside
// a pod requires the SPDY remotecommand executor, which needs a *rest.Config
// this package's kubernetes.Interface abstraction deliberately does not
// carry (it would tie every caller to a concrete client-go transport).
// Callers needing exec reach it through the container-engine backend.
func (k *K8sOrchestrator) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	return nil, backendUnavailableErr(nil, "exec is not supported on the orchestrator backend")
}

func (k *K8sOrchestrator) podFor(ctx context.Context, deploymentID string) (string, error) {
	selector := labels.Set{LabelDeploymentID: deploymentID}.String()
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", backendUnavailableErr(err, "failed to list pods")
	}
	if len(pods.Items) == 0 {
		return "", notFoundErr(deploymentID)
	}
	return pods.Items[0].Name, nil
}

// k8sResourceName derives a DNS-1123-safe Deployment/Service name from an
// opaque deployment id, which may contain characters Kubernetes object
// names disallow.
func k8sResourceName(deploymentID string) string {
	name := strings.ToLower(deploymentID)
	name = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '-'
	}, name)
	return strings.Trim(name, "-")
}
