package playground

import (
	"bytes"
	"fmt"
	"text/template"
)

type bootScriptData struct {
	ID            string
	Name          string
	SSHPort       int
	DockerPort    int
	WebPort       int
	ExpiresAt     string
	WorkspaceDir  string
	PrePullImages []string
}

func renderBootScript(data bootScriptData) (string, error) {
	var buf bytes.Buffer
	if err := bootScript.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render boot script: %w", err)
	}
	return buf.String(), nil
}

// The supervisory loop checks dockerd every 15s, restarts it at most 5 times
// (never twice within 60s), runs a container health check every 4th cycle and
// forgets earlier restarts after 300s of stability.
var bootScript = template.Must(template.New("boot").Parse(`#!/bin/sh
set -e

echo "starting playground {{.ID}}"

rm -rf /var/lib/docker/* 2>/dev/null || true

dockerd \
    --host=tcp://0.0.0.0:2376 \
    --host=unix:///var/run/docker.sock \
    --tls=false \
    --storage-driver=overlay2 \
    --data-root=/var/lib/docker \
    --exec-opt native.cgroupdriver=cgroupfs \
    --log-level=warn \
    --insecure-registry=localhost:5000 \
    > /var/log/docker.log 2>&1 &
DOCKER_PID=$!

echo "waiting for docker daemon"
timeout=120
while [ $timeout -gt 0 ]; do
    if docker version >/dev/null 2>&1; then
        echo "docker daemon is ready"
        break
    fi
    sleep 2
    timeout=$((timeout-2))
done

if [ $timeout -le 0 ]; then
    echo "docker daemon failed to start within 120 seconds"
    tail -20 /var/log/docker.log 2>/dev/null || true
    exit 1
fi

set +e

echo "installing tools"
apk add --no-cache openssh curl wget git nano vim bash htop tree jq python3 py3-pip \
    nodejs npm nginx nmap tcpdump netcat-openbsd iptables 2>/dev/null || echo "some tools failed to install"

echo "configuring ssh"
ssh-keygen -A 2>/dev/null
echo "root:playground" | chpasswd
cat > /etc/ssh/sshd_config << 'SSHEOF'
Port 22
PermitRootLogin yes
PasswordAuthentication yes
PubkeyAuthentication yes
AuthorizedKeysFile .ssh/authorized_keys
HostKey /etc/ssh/ssh_host_rsa_key
HostKey /etc/ssh/ssh_host_ecdsa_key
HostKey /etc/ssh/ssh_host_ed25519_key
Subsystem sftp /usr/lib/openssh/sftp-server
SSHEOF
/usr/sbin/sshd &

echo "configuring web interface"
mkdir -p /var/www/html
cat > /var/www/html/index.html << 'HTMLEOF'
<!DOCTYPE html>
<html>
<head><title>Playground {{.Name}}</title></head>
<body>
<h1>Playground {{.Name}}</h1>
<ul>
<li>Instance: {{.ID}}</li>
<li>Docker port: {{.DockerPort}}</li>
<li>SSH port: {{.SSHPort}}</li>
<li>Expires: {{.ExpiresAt}}</li>
</ul>
<p><a href="/files/">Browse {{.WorkspaceDir}}</a></p>
</body>
</html>
HTMLEOF

mkdir -p /etc/nginx/http.d
cat > /etc/nginx/http.d/default.conf << 'NGINXEOF'
server {
    listen {{.WebPort}};
    server_name localhost;
    root /var/www/html;
    index index.html;

    location / {
        try_files $uri $uri/ =404;
    }

    location /files {
        alias {{.WorkspaceDir}}/;
        autoindex on;
        autoindex_exact_size off;
        autoindex_localtime on;
    }
}
NGINXEOF
nginx &

echo "pre-pulling images"
(
{{- range .PrePullImages}}
    docker pull {{.}} >/dev/null 2>&1 &
{{- end}}
    wait
    echo "images pre-pulled"
) &

mkdir -p {{.WorkspaceDir}}
echo "Playground {{.Name}}" > {{.WorkspaceDir}}/README.txt
echo "Instance ID: {{.ID}}" >> {{.WorkspaceDir}}/README.txt
echo "Created: $(date)" >> {{.WorkspaceDir}}/README.txt

cat > {{.WorkspaceDir}}/Dockerfile.example << 'DOCKERFILEEOF'
FROM alpine:latest
RUN apk add --no-cache curl
WORKDIR /app
COPY . .
CMD ["echo", "Hello from the playground"]
DOCKERFILEEOF

cat >> /root/.bashrc << 'BASHEOF'
alias ll="ls -la"
alias dps="docker ps"
alias di="docker images"
alias playground="cd {{.WorkspaceDir}}"
export TERM=xterm-256color
cd {{.WorkspaceDir}}
BASHEOF

echo "playground {{.Name}} ({{.ID}}) is ready"
echo "docker: tcp://localhost:{{.DockerPort}}"
echo "ssh: ssh root@localhost -p {{.SSHPort}}"
echo "web: http://localhost:{{.WebPort}}"

restart_count=0
max_restarts=5
last_restart_time=0
cycle_count=0

restart_docker_daemon() {
    echo "restarting docker daemon"
    pkill -f dockerd 2>/dev/null || true
    sleep 10
    rm -rf /var/lib/docker/tmp/* 2>/dev/null || true

    dockerd \
        --host=tcp://0.0.0.0:2376 \
        --host=unix:///var/run/docker.sock \
        --tls=false \
        --storage-driver=overlay2 \
        --data-root=/var/lib/docker \
        --exec-opt native.cgroupdriver=cgroupfs \
        --log-level=warn \
        --insecure-registry=localhost:5000 \
        --max-concurrent-downloads=1 \
        --max-concurrent-uploads=1 \
        --default-runtime=runc \
        --oom-score-adjust=-500 \
        --userland-proxy=false \
        --no-new-privileges \
        --default-ulimit nofile=65536:65536 \
        --default-ulimit nproc=4096:4096 \
        >> /var/log/docker.log 2>&1 &
    DOCKER_PID=$!

    timeout=90
    while [ $timeout -gt 0 ]; do
        if docker version >/dev/null 2>&1; then
            echo "docker daemon is ready after restart"
            return 0
        fi
        sleep 2
        timeout=$((timeout-2))
    done

    echo "docker daemon failed to restart within 90 seconds"
    return 1
}

check_docker_health() {
    docker version >/dev/null 2>&1 || return 1
    docker run --rm --name "health-check-$(date +%s)" alpine:latest echo healthy >/dev/null 2>&1 || return 1
    return 0
}

while true; do
    current_time=$(date +%s)

    if ! kill -0 $DOCKER_PID 2>/dev/null; then
        echo "docker daemon process $DOCKER_PID stopped"

        if [ $((current_time - last_restart_time)) -lt 60 ]; then
            sleep 30
            continue
        fi

        if [ $restart_count -lt $max_restarts ]; then
            restart_count=$((restart_count + 1))
            last_restart_time=$current_time
            echo "restart attempt $restart_count/$max_restarts"
            if restart_docker_daemon; then
                restart_count=0
            else
                sleep 30
            fi
        else
            echo "maximum restart attempts reached"
            break
        fi
    else
        cycle_count=$((cycle_count + 1))
        if [ $((cycle_count % 4)) -eq 0 ]; then
            if ! check_docker_health; then
                echo "docker health check failed"
                restart_docker_daemon || echo "failed to restore docker daemon"
            fi
        fi

        if [ $restart_count -gt 0 ] && [ $((current_time - last_restart_time)) -gt 300 ]; then
            restart_count=0
        fi
    fi

    sleep 15
done

echo "docker supervision stopped, exiting"
exit 1
`))
