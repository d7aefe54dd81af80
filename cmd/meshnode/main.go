package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/meshcore/internal/capacity"
	"github.com/permissionlesstech/meshcore/internal/core"
	meshcrypto "github.com/permissionlesstech/meshcore/internal/crypto"
	"github.com/permissionlesstech/meshcore/internal/driver/bluez"
	"github.com/permissionlesstech/meshcore/internal/handshake/noop"
	"github.com/permissionlesstech/meshcore/pkg/utils"
)

const appVersion = "0.1.0"

// cliConfig é o conjunto de flags reconhecidas pelo binário, no mesmo
// estilo de parâmetros de linha de comando do repositório original —
// sem cobra, apenas a biblioteca padrão flag.
type cliConfig struct {
	deviceName          string
	dataDir             string
	serviceUUID         string
	characteristicUUID  string
	powerMode           string
	debug               bool
}

func main() {
	cli := &cliConfig{}
	flag.StringVar(&cli.deviceName, "name", "", "Nome do nó (se não definido, será gerado)")
	flag.StringVar(&cli.dataDir, "data", "", "Diretório para dados persistentes (padrão: ~/.meshnode)")
	flag.StringVar(&cli.serviceUUID, "service-uuid", "f47b5e2d-4a9e-4c5a-9b3d-1a2b3c4d5e6f", "UUID do serviço GATT da malha")
	flag.StringVar(&cli.characteristicUUID, "char-uuid", "f47b5e2d-4a9e-4c5a-9b3d-1a2b3c4d5e70", "UUID da característica de mensagens")
	flag.StringVar(&cli.powerMode, "power-mode", "balanced", "Modo de energia: performance, balanced, powersaver, ultralow")
	flag.BoolVar(&cli.debug, "debug", false, "Ativar log em nível debug")
	flag.Parse()

	log := logrus.New()
	if cli.debug {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if cli.dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Println("erro ao obter diretório home:", err)
			os.Exit(1)
		}
		cli.dataDir = filepath.Join(homeDir, ".meshnode")
	}
	if err := os.MkdirAll(cli.dataDir, 0700); err != nil {
		fmt.Println("erro ao criar diretório de dados:", err)
		os.Exit(1)
	}

	if cli.deviceName == "" {
		cli.deviceName = fmt.Sprintf("node-%x", utils.GenerateRandomID(4))
	}

	encSvc, err := meshcrypto.NewEncryptionService(&meshcrypto.EncryptionConfig{
		KeysDir: filepath.Join(cli.dataDir, "keys"),
	})
	if err != nil {
		fmt.Println("erro ao inicializar serviço de criptografia:", err)
		os.Exit(1)
	}
	cryptoProvider := meshcrypto.NewProvider(encSvc)

	drv, err := bluez.New(entry)
	if err != nil {
		fmt.Println("erro ao inicializar driver BLE:", err)
		os.Exit(1)
	}

	cfg := core.DefaultConfig(cli.serviceUUID, cli.characteristicUUID)
	cfg.PowerMode = parsePowerMode(cli.powerMode)

	nodeID := encSvc.GetPeerID()
	hs := noop.New()
	node := core.New(nodeID, cfg, drv, cryptoProvider, hs, nil, entry)

	fmt.Println("meshnode", appVersion)
	fmt.Println("nome do nó:", cli.deviceName)
	fmt.Println("id do nó:", nodeID)
	fmt.Println("diretório de dados:", cli.dataDir)
	fmt.Println("modo de energia:", cli.powerMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumeStatus(node)
	go consumeInbox(node, entry)

	runDone := make(chan error, 1)
	go func() { runDone <- node.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("\nencerrando...")
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil && err != context.Canceled {
			entry.WithError(err).Error("laço de eventos do núcleo encerrado com erro")
		}
	}
}

func parsePowerMode(s string) capacity.PowerMode {
	switch s {
	case "performance":
		return capacity.Performance
	case "powersaver":
		return capacity.PowerSaver
	case "ultralow":
		return capacity.UltraLowPower
	default:
		return capacity.Balanced
	}
}

func consumeStatus(node *core.Node) {
	for status := range node.Status() {
		fmt.Println("[status]", status)
	}
}

func consumeInbox(node *core.Node, log *logrus.Entry) {
	for delivery := range node.Inbox() {
		log.WithFields(logrus.Fields{
			"from": delivery.From,
			"tag":  delivery.Tag,
			"size": len(delivery.Payload),
		}).Info("mensagem recebida")
	}
}
