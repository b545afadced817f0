package capability

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is the magic-cookie handshake every capability plugin
// process must match before the host will talk to it.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PIPELINE_CAPABILITY_PLUGIN",
	MagicCookieValue: "capability",
}

// rpcPlugin adapts a net/rpc-backed capability implementation to
// go-plugin's plugin.Plugin interface.
type rpcPlugin struct {
	impl interface{}
}

func (p *rpcPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return p.impl, nil
}

func (p *rpcPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

// rpcClient is the host-side stub; concrete capability wrappers
// (transcriberClient, captionerClient, separatorClient) embed it and
// expose the Transcriber/VisionCaptioner/AudioSeparator surface by
// calling client.Call with a plugin-defined method name.
type rpcClient struct {
	client *rpc.Client
}

func (c *rpcClient) call(method string, args, reply interface{}) error {
	if err := c.client.Call(method, args, reply); err != nil {
		return fmt.Errorf("capability plugin call %s: %w", method, err)
	}
	return nil
}

// transcriberClient adapts an rpcClient to Transcriber; the plugin
// process is expected to expose a "Plugin.Transcribe" net/rpc method.
type transcriberClient struct{ *rpcClient }

type transcribeArgs struct {
	AudioPath string
	Language  string
	VADFilter bool
}

func (c *transcriberClient) Transcribe(ctx context.Context, audioPath string, language string, vadFilter bool) ([]TranscriptSegment, error) {
	var reply []TranscriptSegment
	err := c.call("Plugin.Transcribe", transcribeArgs{AudioPath: audioPath, Language: language, VADFilter: vadFilter}, &reply)
	return reply, err
}

// captionerClient adapts an rpcClient to VisionCaptioner via
// "Plugin.Caption".
type captionerClient struct{ *rpcClient }

func (c *captionerClient) Caption(ctx context.Context, imagePath string) (string, error) {
	var reply string
	err := c.call("Plugin.Caption", imagePath, &reply)
	return reply, err
}

// separatorClient adapts an rpcClient to AudioSeparator via
// "Plugin.Separate".
type separatorClient struct{ *rpcClient }

type separateArgs struct {
	AudioPath string
	Strategy  SeparationStrategy
	OutputDir string
}

func (c *separatorClient) Separate(ctx context.Context, audioPath string, strategy SeparationStrategy, outputDir string) (Separated, error) {
	var reply Separated
	err := c.call("Plugin.Separate", separateArgs{AudioPath: audioPath, Strategy: strategy, OutputDir: outputDir}, &reply)
	return reply, err
}

func asRPCClient(raw interface{}) (*rpcClient, error) {
	rc, ok := raw.(*rpcClient)
	if !ok {
		return nil, fmt.Errorf("capability plugin did not return an rpc client")
	}
	return rc, nil
}

// AsTranscriber adapts Launch's raw return value to a Transcriber.
func AsTranscriber(raw interface{}) (Transcriber, error) {
	rc, err := asRPCClient(raw)
	if err != nil {
		return nil, err
	}
	return &transcriberClient{rc}, nil
}

// AsVisionCaptioner adapts Launch's raw return value to a VisionCaptioner.
func AsVisionCaptioner(raw interface{}) (VisionCaptioner, error) {
	rc, err := asRPCClient(raw)
	if err != nil {
		return nil, err
	}
	return &captionerClient{rc}, nil
}

// AsAudioSeparator adapts Launch's raw return value to an AudioSeparator.
func AsAudioSeparator(raw interface{}) (AudioSeparator, error) {
	rc, err := asRPCClient(raw)
	if err != nil {
		return nil, err
	}
	return &separatorClient{rc}, nil
}

// Launch starts a capability plugin binary and returns its RPC client.
// pluginKey names the single entry go-plugin dispenses, matching the
// key the plugin process registers in its own PluginMap.
func Launch(binaryPath string, logger hclog.Logger, pluginKey string) (*goplugin.Client, interface{}, error) {
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			pluginKey: &rpcPlugin{},
		},
		Cmd:    exec.Command(binaryPath),
		Logger: logger,
	})

	rpcClientProto, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("connect to capability plugin %s: %w", binaryPath, err)
	}

	raw, err := rpcClientProto.Dispense(pluginKey)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("dispense capability plugin %s: %w", pluginKey, err)
	}

	return client, raw, nil
}
