// Package namegen draws human-readable adverb-adjective-noun VM names.
// The wordlists themselves are an external collaborator per spec (only
// the generator's interface matters); the lists here are representative
// rather than exhaustive.
package namegen

import (
	"fmt"
	"math/rand"
	"time"
)

var adverbs = []string{
	"boldly", "briskly", "calmly", "cleverly", "deftly", "eagerly",
	"fiercely", "gently", "gladly", "grimly", "happily", "hastily",
	"keenly", "lightly", "loudly", "mildly", "nimbly", "oddly",
	"plainly", "proudly", "quickly", "quietly", "rapidly", "sharply",
	"slowly", "smoothly", "softly", "swiftly", "wildly", "wisely",
}

var adjectives = []string{
	"amber", "ancient", "arctic", "autumn", "azure", "bold", "brave",
	"bright", "brisk", "bronze", "calm", "clever", "cobalt", "cosmic",
	"crimson", "curious", "dapper", "daring", "dusty", "eager",
	"electric", "emerald", "fearless", "fierce", "flaming", "fluffy",
	"frosty", "gentle", "golden", "gracious", "grand", "gray", "green",
	"happy", "hidden", "humble", "icy", "indigo", "ivory", "jade",
	"jolly", "keen", "lively", "lonely", "loyal", "lucky", "lunar",
	"majestic", "mellow", "merry", "mighty", "misty", "modest", "mystic",
	"noble", "nomad", "obsidian", "opal", "orange", "patient", "peaceful",
	"pearl", "pink", "plucky", "polished", "proud", "quick", "quiet",
	"radiant", "rapid", "restless", "robust", "rosy", "rugged", "rustic",
	"sapphire", "scarlet", "serene", "sharp", "shy", "silent", "silver",
	"sleek", "smoky", "solar", "solid", "sparkling", "spirited", "steady",
	"stellar", "stoic", "sturdy", "sunny", "swift", "tawny", "tender",
	"tidy", "tranquil", "twilight", "vivid", "warm", "wild", "zesty",
}

var nouns = []string{
	"albatross", "antelope", "badger", "bear", "beetle", "bison",
	"bobcat", "buffalo", "camel", "canary", "cardinal", "caribou",
	"cheetah", "chinchilla", "cobra", "condor", "cougar", "coyote",
	"crane", "crow", "dingo", "dolphin", "dragonfly", "eagle", "egret",
	"elk", "falcon", "ferret", "finch", "fox", "gazelle", "gecko",
	"giraffe", "goose", "goshawk", "griffin", "grouse", "gull", "hare",
	"hawk", "heron", "hornet", "husky", "ibex", "ibis", "iguana",
	"jackal", "jaguar", "kestrel", "kingfisher", "koala", "kudu",
	"lemur", "leopard", "lion", "lizard", "llama", "lynx", "macaw",
	"magpie", "manatee", "marlin", "marmot", "meerkat", "mink", "mole",
	"moose", "mustang", "narwhal", "newt", "ocelot", "opossum", "orca",
	"osprey", "otter", "owl", "panther", "parrot", "peacock", "pelican",
	"penguin", "petrel", "pheasant", "piranha", "polecat", "porcupine",
	"puffin", "puma", "quail", "rabbit", "raccoon", "raven", "reindeer",
	"rhino", "robin", "salamander", "sandpiper", "seahorse", "shark",
	"sparrow", "sphinx", "squid", "starling", "swan", "tapir", "tern",
	"tiger", "toucan", "turtle", "viper", "vulture", "walrus", "weasel",
	"whale", "wolf", "wolverine", "wombat", "wren", "yak", "zebra",
}

const maxDraws = 100

// Generate draws a collision-free name, rejecting any already present in
// taken. If the word space is exhausted after maxDraws attempts, a
// 4-digit timestamp suffix is appended to guarantee termination.
func Generate(taken map[string]bool) string {
	var name string
	for i := 0; i < maxDraws; i++ {
		name = draw()
		if !taken[name] {
			return name
		}
	}
	suffix := time.Now().UnixNano() % 10000
	return fmt.Sprintf("%s-%04d", name, suffix)
}

func draw() string {
	return fmt.Sprintf("%s-%s-%s",
		adverbs[rand.Intn(len(adverbs))],
		adjectives[rand.Intn(len(adjectives))],
		nouns[rand.Intn(len(nouns))],
	)
}
