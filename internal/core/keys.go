package core

import "fmt"

// Object key layout within the audio bucket. Every artifact for one article
// lives under the article identifier so cleanup can list by prefix.
const (
	completeArtifactName = "audio.mp3"
	chunkArtifactFormat  = "audio-chunk-%d.mp3"
	metadataName         = "audio-metadata.json"
	articleTextName      = "article.txt"
)

// Content types for stored artifacts.
const (
	ContentTypeMP3  = "audio/mpeg"
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// CompleteArtifactKey returns the key of the assembled whole-article audio.
func CompleteArtifactKey(articleID string) string {
	return articleID + "/" + completeArtifactName
}

// ChunkArtifactKey returns the key of the audio for a single chunk index.
func ChunkArtifactKey(articleID string, index int) string {
	return articleID + "/" + fmt.Sprintf(chunkArtifactFormat, index)
}

// MetadataKey returns the key of the per-article chunk metadata record.
func MetadataKey(articleID string) string {
	return articleID + "/" + metadataName
}

// ArticleTextKey returns the key under which the raw article text is staged.
func ArticleTextKey(articleID string) string {
	return articleID + "/" + articleTextName
}

// ArticlePrefix returns the listing prefix covering every artifact of one article.
func ArticlePrefix(articleID string) string {
	return articleID + "/"
}
