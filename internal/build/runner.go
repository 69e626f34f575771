package build

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	k8swatch "k8s.io/client-go/tools/watch"
	"k8s.io/utils/ptr"
)

// BuildImage is the image used to run a fuzz-engine build.
const BuildImage = "gcr.io/oss-fuzz-base/base-builder"

// Runner executes one build command against a working directory and
// reports pass/fail, abstracting over the Docker-vs-Kubernetes
// choice.
type Runner interface {
	// RunBuild runs cmd with workDir mounted read-write at its own path
	// inside the runner's execution environment, returning the combined
	// output and an error if the command exited non-zero or could not be
	// started.
	RunBuild(ctx context.Context, workDir string, cmd []string) (output string, err error)
}

// DockerRunner runs builds in a local Docker container.
type DockerRunner struct {
	logger *slog.Logger
	cli    *client.Client
}

// NewDockerRunner constructs a DockerRunner using the default Docker
// client configuration (DOCKER_HOST / the local daemon socket).
func NewDockerRunner(logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("build: docker client: %w", err)
	}
	return &DockerRunner{logger: logger, cli: cli}, nil
}

// PullBaseImage pulls the latest build image before any builds run, so
// a stale node doesn't keep compiling against an outdated toolchain.
func (d *DockerRunner) PullBaseImage(ctx context.Context) error {
	reader, err := d.cli.ImagePull(ctx, BuildImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("build: pull image %s: %w", BuildImage, err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			d.logger.Error("failed to close image pull stream", "error", err)
		}
	}()

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		d.logger.Info("image pull output", "message", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("build: reading image pull stream: %w", err)
	}
	return nil
}

// RunBuild creates, starts, and waits on a container running cmd with
// workDir bind-mounted, removing the container on exit. The returned
// output is always empty; container logs are not collected.
func (d *DockerRunner) RunBuild(ctx context.Context, workDir string, cmd []string) (string, error) {
	containerConfig := &container.Config{
		Image:        BuildImage,
		Cmd:          cmd,
		WorkingDir:   workDir,
		User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"GOCACHE=/tmp"},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Binds:      []string{fmt.Sprintf("%s:%s", workDir, workDir)},
		Resources: container.Resources{
			Memory:   4 * 1024 * 1024 * 1024,
			NanoCPUs: 2_000_000_000,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("build: create container: %w", err)
	}
	defer func() {
		if err := d.cli.ContainerStop(context.Background(), resp.ID, container.StopOptions{}); err != nil {
			d.logger.Error("failed to stop build container", "error", err, "containerID", resp.ID)
		}
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("build: start container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", fmt.Errorf("build: wait for container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return "", fmt.Errorf("build: container exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return "", nil
}

// K8sRunner runs builds as Kubernetes Jobs.
type K8sRunner struct {
	logger    *slog.Logger
	clientset *kubernetes.Clientset
	namespace string
}

// NewK8sRunner constructs a K8sRunner from an in-cluster or kubeconfig
// client, for namespace.
func NewK8sRunner(logger *slog.Logger, clientset *kubernetes.Clientset, namespace string) *K8sRunner {
	return &K8sRunner{logger: logger, clientset: clientset, namespace: namespace}
}

// RunBuild creates a Job running cmd, waits for it to reach a terminal
// phase, and deletes it regardless of outcome. The returned output is
// always empty; pod logs are not collected.
func (k *K8sRunner) RunBuild(ctx context.Context, workDir string, cmd []string) (string, error) {
	jobName := fmt.Sprintf("crs-build-%d", os.Getpid())
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: jobName},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "crs-build",
							Image:      BuildImage,
							Command:    cmd,
							WorkingDir: workDir,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceMemory: resource.MustParse("4Gi"),
									corev1.ResourceCPU:    resource.MustParse("2"),
								},
							},
						},
					},
				},
			},
		},
	}

	if _, err := k.clientset.BatchV1().Jobs(k.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("build: create job: %w", err)
	}
	defer k.deleteJob(jobName)

	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.FieldSelector = fmt.Sprintf("metadata.name=%s", jobName)
			return k.clientset.BatchV1().Jobs(k.namespace).List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.FieldSelector = fmt.Sprintf("metadata.name=%s", jobName)
			return k.clientset.BatchV1().Jobs(k.namespace).Watch(ctx, opts)
		},
	}

	_, err := k8swatch.UntilWithSync(ctx, lw, &batchv1.Job{}, nil,
		func(event watch.Event) (bool, error) {
			if event.Type == watch.Error {
				return false, fmt.Errorf("build: job watch error: %v", event.Object)
			}
			j, ok := event.Object.(*batchv1.Job)
			if !ok {
				return false, nil
			}
			switch {
			case j.Status.Succeeded > 0:
				return true, nil
			case j.Status.Failed > 0:
				return false, fmt.Errorf("build: job %q failed", jobName)
			default:
				return false, nil
			}
		})
	if err != nil {
		return "", err
	}
	return "", nil
}

func (k *K8sRunner) deleteJob(jobName string) {
	propagation := metav1.DeletePropagationBackground
	if err := k.clientset.BatchV1().Jobs(k.namespace).Delete(
		context.Background(), jobName, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
		k.logger.Error("failed to delete build job", "error", err, "jobName", jobName)
	}
}
