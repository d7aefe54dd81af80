package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Erros de criptografia
var (
	ErrNoSharedSecret   = errors.New("sem segredo compartilhado")
	ErrInvalidPublicKey = errors.New("chave pública inválida")
	ErrEncryptionFailed = errors.New("falha na criptografia")
	ErrDecryptionFailed = errors.New("falha na descriptografia")
)

// EncryptionService gerencia criptografia e chaves para comunicação segura
type EncryptionService struct {
	// Configuração do serviço
	config           *EncryptionConfig
	
	// Chaves para acordo de chaves (criptografia)
	privateKey        [32]byte
	publicKey         [32]byte
	
	// Chaves para assinatura (autenticação)
	signingPrivateKey ed25519.PrivateKey
	signingPublicKey  ed25519.PublicKey
	
	// Armazenamento para chaves de peers
	peerPublicKeys    map[string][32]byte
	peerSigningKeys   map[string]ed25519.PublicKey
	peerIdentityKeys  map[string]ed25519.PublicKey
	sharedSecrets     map[string][]byte
	
	// Chaves efêmeras para sessões temporárias
	ephemeralKeys     map[string][]byte
	
	// Identidade persistente para favoritos (separada das chaves efêmeras)
	identityKey       ed25519.PrivateKey
	identityPublicKey ed25519.PublicKey
	
	// Thread safety
	mutex             sync.RWMutex
}

// NewEncryptionService cria um novo serviço de criptografia
func NewEncryptionService(config *EncryptionConfig) (*EncryptionService, error) {
	var err error
	
	// Criar diretório de chaves se não existir
	if config.KeysDir != "" {
		if err := os.MkdirAll(config.KeysDir, 0755); err != nil {
			return nil, fmt.Errorf("falha ao criar diretório de chaves: %w", err)
		}
	}
	
	es := &EncryptionService{
		config:           config,
		peerPublicKeys:   make(map[string][32]byte),
		peerSigningKeys:  make(map[string]ed25519.PublicKey),
		peerIdentityKeys: make(map[string]ed25519.PublicKey),
		sharedSecrets:    make(map[string][]byte),
		ephemeralKeys:    make(map[string][]byte),
	}
	
	// Carregar identidade persistente se existir no diretório de chaves
	var persistentIdentity []byte
	if config.KeysDir != "" {
		// Tentar carregar chaves existentes
		identityKeyPath := filepath.Join(config.KeysDir, "identity_key")
		if data, err := os.ReadFile(identityKeyPath); err == nil && len(data) == ed25519.PrivateKeySize {
			persistentIdentity = data
		}
	}

	// Gerar pares de chaves efêmeras para esta sessão
	if _, err := io.ReadFull(rand.Reader, es.privateKey[:]); err != nil {
		return nil, err
	}
	
	// Derivar chave pública X25519
	curve25519.ScalarBaseMult(&es.publicKey, &es.privateKey)
	
	// Gerar par de chaves de assinatura Ed25519
	es.signingPublicKey, es.signingPrivateKey, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	
	// Carregar ou criar chave de identidade persistente
	if persistentIdentity != nil && len(persistentIdentity) == ed25519.PrivateKeySize {
		es.identityKey = persistentIdentity
		es.identityPublicKey = es.identityKey.Public().(ed25519.PublicKey)
	} else {
		// Primeira execução - criar e retornar nova chave de identidade
		_, identityKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		es.identityKey = identityKey
		es.identityPublicKey = es.identityKey.Public().(ed25519.PublicKey)
	}
	
	// Salvar as chaves geradas
	if config.KeysDir != "" {
		if err := es.saveKeys(); err != nil {
			return nil, fmt.Errorf("falha ao salvar chaves: %w", err)
		}
	}
	
	return es, nil
}

// GetIdentityKey retorna a chave de identidade persistente
func (es *EncryptionService) GetIdentityKey() []byte {
	return es.identityKey
}

// GetPublicKey retorna a chave pública para criptografia
func (es *EncryptionService) GetPublicKey() []byte {
	return es.publicKey[:]
}

// GetSigningPublicKey retorna a chave pública para assinatura
func (es *EncryptionService) GetSigningPublicKey() []byte {
	return es.signingPublicKey
}

// GetCombinedPublicKeyData cria dados de chave pública combinados para troca
func (es *EncryptionService) GetCombinedPublicKeyData() []byte {
	data := make([]byte, 0, 96)
	data = append(data, es.publicKey[:]...)                // 32 bytes - chave de criptografia efêmera
	data = append(data, es.signingPublicKey...)            // 32 bytes - chave de assinatura efêmera
	data = append(data, es.identityPublicKey...)           // 32 bytes - chave de identidade persistente
	return data                                            // Total: 96 bytes
}

// AddPeerPublicKey adiciona chaves públicas combinadas de um peer
func (es *EncryptionService) AddPeerPublicKey(peerID string, publicKeyData []byte) error {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	
	// Verificar tamanho dos dados da chave
	if len(publicKeyData) != 96 {
		return ErrInvalidPublicKey
	}
	
	// Extrair as três chaves: 32 para acordo de chaves + 32 para assinatura + 32 para identidade
	var keyAgreementKey [32]byte
	copy(keyAgreementKey[:], publicKeyData[0:32])
	
	signingKey := make(ed25519.PublicKey, 32)
	copy(signingKey, publicKeyData[32:64])
	
	identityKey := make(ed25519.PublicKey, 32)
	copy(identityKey, publicKeyData[64:96])
	
	// Armazenar chaves do peer
	es.peerPublicKeys[peerID] = keyAgreementKey
	es.peerSigningKeys[peerID] = signingKey
	es.peerIdentityKeys[peerID] = identityKey
	
	// Gerar segredo compartilhado para criptografia
	var sharedKey [32]byte
	curve25519.ScalarMult(&sharedKey, &es.privateKey, &keyAgreementKey)
	
	// Derivar chave simétrica usando HKDF
	kdf := hkdf.New(sha256.New, sharedKey[:], []byte("bitchat-v1"), nil)
	derivedKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, derivedKey); err != nil {
		return err
	}
	
	es.sharedSecrets[peerID] = derivedKey
	
	return nil
}

// GetPeerIdentityKey obtém a chave de identidade persistente de um peer para favoritos
func (es *EncryptionService) GetPeerIdentityKey(peerID string) []byte {
	es.mutex.RLock()
	defer es.mutex.RUnlock()
	
	if key, ok := es.peerIdentityKeys[peerID]; ok {
		return key
	}
	return nil
}

// Encrypt criptografa dados para um peer específico
// Versão compatível com os testes que aceita uma chave pública em formato []byte
// e retorna o ciphertext, nonce e erro
func (es *EncryptionService) Encrypt(data []byte, publicKey []byte) ([]byte, []byte, error) {
	// Verificar tamanho da chave
	if len(publicKey) != 32 {
		return nil, nil, ErrInvalidPublicKey
	}
	
	// Gerar nonce aleatório
	nonce := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	
	// Converter chaves para o formato esperado pelo NaCl
	var peerPublicKey [32]byte
	var privateKey [32]byte
	
	copy(peerPublicKey[:], publicKey)
	copy(privateKey[:], es.privateKey[:])
	
	// Converter nonce para array
	var nonceArray [24]byte
	copy(nonceArray[:], nonce)
	
	// Criptografar usando NaCl box
	ciphertext := box.Seal(nil, data, &nonceArray, &peerPublicKey, &privateKey)
	return ciphertext, nonce, nil
}

// EncryptForPeer criptografa dados para um peer específico usando seu ID
func (es *EncryptionService) EncryptForPeer(data []byte, peerID string) ([]byte, error) {
	// Verificar se temos a chave pública do peer
	es.mutex.RLock()
	peerPublicKey, ok := es.peerPublicKeys[peerID]
	es.mutex.RUnlock()
	
	if !ok {
		return nil, ErrNoSharedSecret
	}
	
	// Gerar nonce aleatório
	nonce := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	
	// Converter nonce para array
	var nonceArray [24]byte
	copy(nonceArray[:], nonce)
	
	// Verificar se já temos um segredo compartilhado
	es.mutex.RLock()
	sharedSecret, hasSharedSecret := es.sharedSecrets[peerID]
	es.mutex.RUnlock()
	
	if !hasSharedSecret {
		// Calcular segredo compartilhado
		sharedSecret = make([]byte, 32)
		box.Precompute((*[32]byte)(sharedSecret), &peerPublicKey, &es.privateKey)
		
		// Armazenar para uso futuro
		es.mutex.Lock()
		es.sharedSecrets[peerID] = sharedSecret
		es.mutex.Unlock()
	}
	
	// Criptografar usando NaCl box com segredo pré-computado
	ciphertext := box.SealAfterPrecomputation(nil, data, &nonceArray, (*[32]byte)(sharedSecret))
	
	// Prepend nonce ao ciphertext
	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result[:len(nonce)], nonce)
	copy(result[len(nonce):], ciphertext)
	
	return result, nil
}

// Decrypt descriptografa dados usando a chave pública do peer
// Versão compatível com os testes que aceita uma chave pública em formato []byte
func (es *EncryptionService) Decrypt(ciphertext []byte, publicKey []byte, nonce []byte) ([]byte, error) {
	// Converter chaves para o formato esperado pelo NaCl
	var peerPublicKey [32]byte
	var privateKey [32]byte
	
	if len(publicKey) != 32 {
		return nil, ErrInvalidPublicKey
	}
	copy(peerPublicKey[:], publicKey)
	copy(privateKey[:], es.privateKey[:])
	
	// Converter nonce para array
	var nonceArray [24]byte
	if len(nonce) != 24 {
		return nil, errors.New("tamanho de nonce inválido")
	}
	copy(nonceArray[:], nonce)
	
	// Descriptografar
	// A ordem correta para box.Open é: 
	// box.Open(nil, ciphertext, nonce, publicKey do remetente, privateKey do destinatário)
	// Em NaCl, o primeiro argumento de chave é a chave pública do remetente
	// e o segundo argumento é a chave privada do destinatário
	plaintext, ok := box.Open(nil, ciphertext, &nonceArray, &peerPublicKey, &privateKey)
	if !ok {
		// Segunda tentativa com as mesmas chaves (a chave pública do remetente
		// copiada de novo e a mesma chave privada); nenhuma outra ordem é tentada
		var senderPublicKey [32]byte
		copy(senderPublicKey[:], publicKey)
		
		plaintext, ok = box.Open(nil, ciphertext, &nonceArray, &senderPublicKey, &privateKey)
		if !ok {
			return nil, ErrDecryptionFailed
		}
	}
	
	return plaintext, nil
}

// DecryptWithPublicKeyString descriptografa dados usando a chave pública do peer em formato string
func (es *EncryptionService) DecryptWithPublicKeyString(ciphertext []byte, publicKey string, nonce []byte) ([]byte, error) {
	// Converter a chave pública de string para bytes
	var pkBytes []byte
	var err error
	
	// Verificar se a chave está em formato hexadecimal
	if len(publicKey) == 64 { // 32 bytes em hex = 64 caracteres
		pkBytes, err = hex.DecodeString(publicKey)
		if err != nil {
			return nil, ErrInvalidPublicKey
		}
	} else {
		// Assumir que é uma chave binária
		pkBytes = []byte(publicKey)
	}
	
	return es.Decrypt(ciphertext, pkBytes, nonce)
}

// EncryptWithKey criptografa dados usando uma chave específica
func (es *EncryptionService) EncryptWithKey(data []byte, key []byte) ([]byte, []byte, error) {
	// Criar cifra AES-GCM
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, ErrEncryptionFailed
	}
	
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, ErrEncryptionFailed
	}
	
	// Criar nonce
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, ErrEncryptionFailed
	}
	
	// Criptografar
	ciphertext := aesGCM.Seal(nil, nonce, data, nil)
	
	return ciphertext, nonce, nil
}

// DecryptWithKey descriptografa dados usando uma chave específica
func (es *EncryptionService) DecryptWithKey(ciphertext []byte, key []byte, nonce []byte) ([]byte, error) {
	// Criar cifra AES-GCM
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	
	// Descriptografar
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	
	return plaintext, nil
}

// Sign assina dados usando a chave privada de assinatura
func (es *EncryptionService) Sign(data []byte) ([]byte, error) {
	signature := ed25519.Sign(es.signingPrivateKey, data)
	return signature, nil
}

// Verify verifica uma assinatura usando uma chave pública
// Versão compatível com os testes que aceita uma chave pública em formato []byte
func (es *EncryptionService) Verify(signature, data []byte, publicKey []byte) (bool, error) {
	// Verificar se a chave pública tem o tamanho correto
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("tamanho inválido de chave pública: %d, esperado %d", len(publicKey), ed25519.PublicKeySize)
	}
	
	// Verificar a assinatura usando ed25519
	isValid := ed25519.Verify(publicKey, data, signature)
	return isValid, nil
}

// VerifyWithPeerID verifica uma assinatura de um peer específico usando seu ID
func (es *EncryptionService) VerifyWithPeerID(signature, data []byte, peerID string) (bool, error) {
	es.mutex.RLock()
	verifyingKey, ok := es.peerSigningKeys[peerID]
	es.mutex.RUnlock()
	
	if !ok {
		return false, ErrNoSharedSecret
	}
	
	return ed25519.Verify(verifyingKey, data, signature), nil
}

// GetPublicKeyFingerprint gera uma impressão digital da chave pública
func (es *EncryptionService) GetPublicKeyFingerprint(publicKeyData []byte) string {
	hash := sha256.Sum256(publicKeyData)
	return hex.EncodeToString(hash[:8]) // Primeiros 8 bytes (16 caracteres hex)
}

// GetPeerID retorna o ID do peer local baseado na chave de identidade
func (es *EncryptionService) GetPeerID() string {
	// Usar a chave de identidade pública para gerar um ID consistente
	hash := sha256.Sum256(es.identityPublicKey)
	return hex.EncodeToString(hash[:16]) // Primeiros 16 bytes (32 caracteres hex)
}

// DeriveChannelKey deriva uma chave de canal a partir do nome do canal e senha
func (es *EncryptionService) DeriveChannelKey(channelName, password string, salt []byte) ([]byte, []byte, error) {
	// Se o salt não for fornecido, gerar um novo
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
	}
	
	// Parâmetros para Argon2id
	time := uint32(1)
	memory := uint32(64 * 1024) // 64MB
	threads := uint8(4)
	keyLen := uint32(32) // 256 bits
	
	// Derivar chave usando Argon2id
	key := argon2.IDKey([]byte(password), salt, time, memory, threads, keyLen)
	
	// Adicionar contexto do canal usando HKDF
	kdf := hkdf.New(sha256.New, key, []byte(channelName), []byte("bitchat-channel-v1"))
	finalKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, finalKey); err != nil {
		return nil, nil, err
	}
	
	return finalKey, salt, nil
}

// DeriveKeyHKDF deriva uma chave usando HKDF a partir de material de chave inicial
func (es *EncryptionService) DeriveKeyHKDF(ikm, salt, info []byte, length uint32) ([]byte, error) {
	// Configurar HKDF com SHA-256
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	
	// Derivar chave com o tamanho especificado
	key := make([]byte, length)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	
	return key, nil
}

// StoreEphemeralKey armazena uma chave efêmera para um peer
func (es *EncryptionService) StoreEphemeralKey(peerID string, key []byte) error {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	
	// Armazenar uma cópia da chave
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	
	es.ephemeralKeys[peerID] = keyCopy
	return nil
}

// GetEphemeralKey recupera uma chave efêmera para um peer
func (es *EncryptionService) GetEphemeralKey(peerID string) ([]byte, bool) {
	es.mutex.RLock()
	defer es.mutex.RUnlock()
	
	key, exists := es.ephemeralKeys[peerID]
	if !exists {
		return nil, false
	}
	
	// Retornar uma cópia da chave
	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)
	
	return keyCopy, true
}

// RemoveEphemeralKey remove uma chave efêmera para um peer
func (es *EncryptionService) RemoveEphemeralKey(peerID string) {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	
	// Limpar a chave antes de remover (segurança adicional)
	if key, exists := es.ephemeralKeys[peerID]; exists {
		for i := range key {
			key[i] = 0
		}
	}
	
	delete(es.ephemeralKeys, peerID)
}

// saveKeys salva as chaves persistentes no diretório especificado
func (es *EncryptionService) saveKeys() error {
	// Se não há diretório configurado ou o modo é só efêmero, não salvar
	if es.config == nil || es.config.KeysDir == "" || es.config.UseEphemeralOnly {
		return nil
	}
	
	// Salvar chave de identidade persistente
	identityKeyPath := filepath.Join(es.config.KeysDir, "identity_key")
	if err := os.WriteFile(identityKeyPath, es.identityKey, 0600); err != nil {
		return fmt.Errorf("falha ao salvar chave de identidade: %w", err)
	}
	
	// Salvar chave pública de identidade para conveniência
	identityPubKeyPath := filepath.Join(es.config.KeysDir, "identity_pubkey")
	if err := os.WriteFile(identityPubKeyPath, es.identityPublicKey, 0644); err != nil {
		return fmt.Errorf("falha ao salvar chave pública de identidade: %w", err)
	}
	
	return nil
}
