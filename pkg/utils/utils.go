package utils

import (
	"crypto/rand"
	"time"
)

// GenerateRandomID gera um ID aleatório de tamanho especificado
func GenerateRandomID(length int) []byte {
	id := make([]byte, length)
	_, err := rand.Read(id)
	if err != nil {
		// Fallback para um ID menos aleatório em caso de erro
		for i := range id {
			id[i] = byte(time.Now().Nanosecond() % 256)
			time.Sleep(time.Nanosecond)
		}
	}
	return id
}
