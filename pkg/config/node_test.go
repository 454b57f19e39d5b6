package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/errdefs"
)

func TestLoadNode(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "node.yaml", `
apiVersion: v1
kind: Node
metadata:
  name: node-1
  labels:
    zone: a
spec:
  podCIDR: 10.244.1.0/24
status:
  addresses:
    - type: InternalIP
      address: 10.0.0.11
  capacity:
    cpu: "4"
`)

	node, err := LoadNode(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.Name())
	assert.Equal(t, "10.0.0.11", node.Address())
	assert.Equal(t, "a", node.Metadata.Labels["zone"])
	assert.Equal(t, "4", node.Status.Capacity["cpu"])
}

func TestLoadNodeRejects(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown field": "metadata:\n  name: node-1\nspec:\n  taints: []\n",
		"missing name":  "kind: Node\nmetadata: {}\n",
		"bad cidr":      "metadata:\n  name: node-1\nspec:\n  podCIDR: nope\n",
		"empty":         "",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadNode(writeFile(t, dir, "node.yaml", content))
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}

	_, err := LoadNode(dir + "/absent.yaml")
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestLoadPod(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pod.yaml", `
apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  nodeName: node-1
  containers:
    - name: nginx
      image: nginx:1.27
      ports:
        - containerPort: 80
          hostPort: 8080
`)

	pod, err := LoadPod(path)
	require.NoError(t, err)
	assert.Equal(t, "web", pod.Name())
	assert.Equal(t, "node-1", pod.Spec.NodeName)
	require.Len(t, pod.Spec.Containers, 1)
	assert.Equal(t, 8080, pod.Spec.Containers[0].Ports[0].HostPort)

	_, err = LoadPod(writeFile(t, dir, "empty-pod.yaml", "metadata:\n  name: web\nspec:\n  containers: []\n"))
	assert.Error(t, err)
}
