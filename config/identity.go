package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"

	"github.com/powerloom/gistitd/pkgs/gistiterr"
)

// nodeKeyFile mirrors the original daemon's NodeKey/Identity JSON shape
// (config.rs): a base64 protobuf-encoded private key alongside the peer
// ID it derives, stored together so a corrupted or hand-edited peer ID
// field is caught at load time rather than silently trusted.
type nodeKeyFile struct {
	Identity struct {
		PeerID  string `json:"PeerID"`
		PrivKey string `json:"PrivKey"`
	} `json:"Identity"`
}

// LoadOrCreateIdentity reads the Ed25519 identity at path, generating and
// persisting a new one if the file does not exist yet. It is the Go
// equivalent of Config::from_args's existing-vs-generate branch.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if _, err := os.Stat(path); err == nil {
		return loadIdentity(path)
	} else if !os.IsNotExist(err) {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	log.WithField("path", path).Info("config: generating new node identity")
	return generateIdentity(path)
}

func loadIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	var nk nodeKeyFile
	if err := json.Unmarshal(raw, &nk); err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(nk.Identity.PrivKey)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}
	if id.String() != nk.Identity.PeerID {
		return nil, "", gistiterr.Newf(gistiterr.Config, "config: peer id in %s does not match its private key", path)
	}

	return priv, id, nil
}

func generateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	priv, pub, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	encoded, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	var nk nodeKeyFile
	nk.Identity.PeerID = id.String()
	nk.Identity.PrivKey = base64.StdEncoding.EncodeToString(encoded)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	out, err := json.Marshal(&nk)
	if err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, "", gistiterr.New(gistiterr.Config, err)
	}

	return priv, id, nil
}
